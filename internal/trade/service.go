// Package trade provides the HTTP handlers for registering users, opening,
// closing and liquidating positions, querying portfolios and instruments,
// and the operator-only administrative surface.
//
// All monetary values use shopspring/decimal, never float64 for money.
package trade

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/position-engine/internal/ledger"
	"github.com/atmx/position-engine/internal/model"
	"github.com/atmx/position-engine/internal/registry"
	"github.com/atmx/position-engine/internal/store"
)

// OperatorHeader carries the caller id on administrative requests.
const OperatorHeader = "X-Operator-ID"

// Service exposes the ledger and instrument registry over HTTP.
type Service struct {
	ledger   *ledger.Ledger
	registry *registry.Registry
}

// NewService creates a new HTTP service.
func NewService(l *ledger.Ledger, reg *registry.Registry) *Service {
	return &Service{ledger: l, registry: reg}
}

// Routes mounts every endpoint on r. main mounts it under /api/v1.
func (s *Service) Routes(r chi.Router) {
	r.Post("/users", s.RegisterUser)
	r.Get("/users/{userID}", s.GetUser)
	r.Get("/users/{userID}/positions", s.ListPositions)
	r.Get("/users/{userID}/portfolio", s.GetPortfolio)
	r.Post("/users/{userID}/activity", s.RecordActivity)

	r.Post("/positions", s.OpenPosition)
	r.Get("/positions/{positionID}", s.GetPosition)
	r.Post("/positions/{positionID}/close", s.ClosePosition)
	r.Post("/positions/{positionID}/liquidate", s.LiquidatePosition)

	r.Get("/instruments", s.ListInstruments)
	r.Get("/instruments/{instrumentID}", s.GetInstrument)

	r.Get("/events", s.ListEvents)

	r.Route("/admin", func(r chi.Router) {
		r.Post("/instruments", s.AddInstrument)
		r.Put("/instruments/{instrumentID}/price", s.SetPrice)
		r.Put("/instruments/{instrumentID}/active", s.SetActive)
		r.Post("/pause", s.Pause)
		r.Post("/unpause", s.Unpause)
		r.Get("/treasury", s.GetTreasury)
	})
}

// --- Request/Response types ---

// RegisterRequest is the JSON body for POST /users.
type RegisterRequest struct {
	UserID string `json:"user_id"`
}

// UserResponse is a user record with achievement names spelled out.
type UserResponse struct {
	*model.User
	AchievementNames []string `json:"achievements"`
}

// OpenRequest is the JSON body for POST /positions.
type OpenRequest struct {
	UserID       string          `json:"user_id"`
	InstrumentID string          `json:"instrument_id"`
	IsLong       bool            `json:"is_long"`
	Leverage     int64           `json:"leverage"`
	Collateral   decimal.Decimal `json:"collateral"`
}

// CloseRequest is the JSON body for POST /positions/{positionID}/close.
type CloseRequest struct {
	UserID string `json:"user_id"`
}

// LiquidateRequest is the JSON body for POST /positions/{positionID}/liquidate.
type LiquidateRequest struct {
	Liquidator string `json:"liquidator"`
}

// ActivityRequest is the JSON body for POST /users/{userID}/activity.
type ActivityRequest struct {
	Activity string `json:"activity"`
}

// ActivityResponse reports the outcome of an award.
type ActivityResponse struct {
	Activity     model.Activity `json:"activity"`
	XP           uint64         `json:"xp_awarded"`
	Streak       uint64         `json:"streak"`
	TotalXP      uint64         `json:"total_xp"`
	Level        uint64         `json:"level"`
	MaxLeverage  int64          `json:"max_leverage_allowed"`
	Achievements []string       `json:"achievements_unlocked"`
}

// PriceRequest is the JSON body for PUT /admin/instruments/{id}/price.
type PriceRequest struct {
	Price decimal.Decimal `json:"price"`
}

// ActiveRequest is the JSON body for PUT /admin/instruments/{id}/active.
type ActiveRequest struct {
	Active bool `json:"active"`
}

// --- Users ---

// RegisterUser handles POST /api/v1/users
func (s *Service) RegisterUser(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	u, err := s.ledger.Register(r.Context(), req.UserID)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, userResponse(u))
}

// GetUser handles GET /api/v1/users/{userID}
func (s *Service) GetUser(w http.ResponseWriter, r *http.Request) {
	u, err := s.ledger.GetUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, userResponse(u))
}

// ListPositions handles GET /api/v1/users/{userID}/positions
// Returns the user's open positions in id order.
func (s *Service) ListPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.ledger.ListActive(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, positions)
}

// GetPortfolio handles GET /api/v1/users/{userID}/portfolio
// Returns open positions marked to market with totals per base asset.
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	pf, err := s.ledger.Portfolio(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pf)
}

// RecordActivity handles POST /api/v1/users/{userID}/activity
func (s *Service) RecordActivity(w http.ResponseWriter, r *http.Request) {
	var req ActivityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	a, err := s.ledger.RecordActivity(r.Context(), chi.URLParam(r, "userID"), model.Activity(req.Activity))
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	names := make([]string, 0, len(a.Unlocked))
	for _, un := range a.Unlocked {
		names = append(names, un.Achievement.String())
	}
	writeJSON(w, http.StatusOK, ActivityResponse{
		Activity:     a.Activity,
		XP:           a.XP,
		Streak:       a.Streak,
		TotalXP:      a.TotalXP,
		Level:        a.Level,
		MaxLeverage:  a.MaxLeverage,
		Achievements: names,
	})
}

// --- Positions ---

// OpenPosition handles POST /api/v1/positions
func (s *Service) OpenPosition(w http.ResponseWriter, r *http.Request) {
	var req OpenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	p, err := s.ledger.Open(r.Context(), ledger.OpenRequest{
		UserID:       req.UserID,
		InstrumentID: req.InstrumentID,
		IsLong:       req.IsLong,
		Leverage:     req.Leverage,
		Collateral:   req.Collateral,
	})
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// GetPosition handles GET /api/v1/positions/{positionID}
func (s *Service) GetPosition(w http.ResponseWriter, r *http.Request) {
	id, ok := positionID(w, r)
	if !ok {
		return
	}
	p, err := s.ledger.GetPosition(r.Context(), id)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ClosePosition handles POST /api/v1/positions/{positionID}/close
func (s *Service) ClosePosition(w http.ResponseWriter, r *http.Request) {
	id, ok := positionID(w, r)
	if !ok {
		return
	}
	var req CloseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	res, err := s.ledger.Close(r.Context(), req.UserID, id)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// LiquidatePosition handles POST /api/v1/positions/{positionID}/liquidate
// Anyone may call it once the liquidation price has been crossed.
func (s *Service) LiquidatePosition(w http.ResponseWriter, r *http.Request) {
	id, ok := positionID(w, r)
	if !ok {
		return
	}
	var req LiquidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res, err := s.ledger.Liquidate(r.Context(), id, req.Liquidator)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Instruments and events ---

// ListInstruments handles GET /api/v1/instruments
// Returns all instruments, optionally filtered by ?active=true|false.
func (s *Service) ListInstruments(w http.ResponseWriter, r *http.Request) {
	instruments, err := s.registry.List(r.Context())
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	if v := r.URL.Query().Get("active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, "active must be true or false", http.StatusBadRequest)
			return
		}
		filtered := []model.Instrument{}
		for _, inst := range instruments {
			if inst.Active == active {
				filtered = append(filtered, inst)
			}
		}
		instruments = filtered
	}
	if instruments == nil {
		instruments = []model.Instrument{}
	}
	writeJSON(w, http.StatusOK, instruments)
}

// GetInstrument handles GET /api/v1/instruments/{instrumentID}
func (s *Service) GetInstrument(w http.ResponseWriter, r *http.Request) {
	inst, err := s.registry.Lookup(r.Context(), chi.URLParam(r, "instrumentID"))
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

// ListEvents handles GET /api/v1/events?after={seq}&limit={n}
// Consumers resume from the last sequence number they processed.
func (s *Service) ListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var after uint64
	if v := q.Get("after"); v != "" {
		var err error
		if after, err = strconv.ParseUint(v, 10, 64); err != nil {
			writeError(w, "after must be a sequence number", http.StatusBadRequest)
			return
		}
	}
	limit := store.DefaultEventLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > store.DefaultEventLimit {
			writeError(w, "limit must be between 1 and "+strconv.Itoa(store.DefaultEventLimit), http.StatusBadRequest)
			return
		}
		limit = n
	}

	events, err := s.ledger.Events(r.Context(), after, limit)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// --- Administration ---

// AddInstrument handles POST /api/v1/admin/instruments
func (s *Service) AddInstrument(w http.ResponseWriter, r *http.Request) {
	var spec registry.Spec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	inst, err := s.registry.Add(r.Context(), operator(r), spec)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, inst)
}

// SetPrice handles PUT /api/v1/admin/instruments/{instrumentID}/price
func (s *Service) SetPrice(w http.ResponseWriter, r *http.Request) {
	var req PriceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	id := chi.URLParam(r, "instrumentID")
	if err := s.registry.SetPrice(r.Context(), operator(r), id, req.Price); err != nil {
		writeLedgerError(w, err)
		return
	}
	s.GetInstrument(w, r)
}

// SetActive handles PUT /api/v1/admin/instruments/{instrumentID}/active
func (s *Service) SetActive(w http.ResponseWriter, r *http.Request) {
	var req ActiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	id := chi.URLParam(r, "instrumentID")
	if err := s.registry.SetActive(r.Context(), operator(r), id, req.Active); err != nil {
		writeLedgerError(w, err)
		return
	}
	s.GetInstrument(w, r)
}

// Pause handles POST /api/v1/admin/pause
func (s *Service) Pause(w http.ResponseWriter, r *http.Request) {
	if err := s.ledger.Pause(operator(r)); err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

// Unpause handles POST /api/v1/admin/unpause
func (s *Service) Unpause(w http.ResponseWriter, r *http.Request) {
	if err := s.ledger.Unpause(operator(r)); err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

// GetTreasury handles GET /api/v1/admin/treasury
func (s *Service) GetTreasury(w http.ResponseWriter, r *http.Request) {
	balance, err := s.ledger.Treasury(r.Context(), operator(r))
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"balance": balance})
}

// --- helpers ---

func operator(r *http.Request) string {
	return r.Header.Get(OperatorHeader)
}

func positionID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "positionID"), 10, 64)
	if err != nil || id < 1 {
		writeError(w, "invalid position id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func userResponse(u *model.User) UserResponse {
	return UserResponse{User: u, AchievementNames: u.Achievements.Names()}
}

// statusFor maps an error category to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, model.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrOwnership), errors.Is(err, model.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, model.ErrState):
		return http.StatusConflict
	case errors.Is(err, model.ErrNotLiquidatable), errors.Is(err, model.ErrArithmeticOverflow):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrPaused):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeLedgerError writes err with the status of its category. Internal
// errors are logged and replaced with a generic message.
func writeLedgerError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
