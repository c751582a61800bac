package trade

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/predictly/market-engine/internal/lmsr"
	"github.com/predictly/market-engine/internal/lock"
	"github.com/predictly/market-engine/internal/model"
	"github.com/predictly/market-engine/internal/store"
)

// --- Request/Response types ---

// CreateMarketRequest is the JSON body for market creation.
type CreateMarketRequest struct {
	Title       string           `json:"title" validate:"required,max=200"`
	Description string           `json:"description" validate:"max=5000"`
	CloseTime   time.Time        `json:"close_time" validate:"required"`
	B           *decimal.Decimal `json:"b,omitempty"`        // liquidity parameter; nil → configured default
	FeeRate     *decimal.Decimal `json:"fee_rate,omitempty"` // nil → configured default
	Draft       bool             `json:"draft"`
}

// TradeRequest is the JSON body for POST /markets/{marketID}/trade.
type TradeRequest struct {
	UserID string          `json:"user_id" validate:"required,max=128"`
	Side   model.Side      `json:"side" validate:"required"`
	DQ     decimal.Decimal `json:"dq"`
}

// SetStateRequest is the JSON body for POST /markets/{marketID}/state.
type SetStateRequest struct {
	State model.MarketState `json:"state" validate:"required"`
}

// MarketView is a market together with its current implied probabilities.
type MarketView struct {
	model.Market
	ProbYes decimal.Decimal `json:"prob_yes"`
	ProbNo  decimal.Decimal `json:"prob_no"`
}

func newMarketView(m model.Market) MarketView {
	v := MarketView{Market: m}
	if mm, err := lmsr.NewMarketMaker(m.B); err == nil {
		v.ProbYes = mm.PriceYes(m.QYes, m.QNo)
		v.ProbNo = mm.PriceNo(m.QYes, m.QNo)
	}
	return v
}

// Handler exposes a Service over HTTP.
type Handler struct {
	svc      *Service
	validate *validator.Validate
}

// NewHandler creates the HTTP handler set for svc.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc, validate: validator.New()}
}

// Routes mounts the market API on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/markets", func(r chi.Router) {
		r.Post("/", h.CreateMarket)
		r.Get("/", h.ListMarkets)
		r.Route("/{marketID}", func(r chi.Router) {
			r.Get("/", h.GetMarket)
			r.Get("/quote", h.Quote)
			r.Post("/trade", h.Trade)
			r.Post("/state", h.SetState)
			r.Get("/trades", h.ListTrades)
			r.Get("/ledger", h.ListLedger)
		})
	})
	r.Get("/users/{userID}/positions", h.GetPositions)
}

// --- HTTP Handlers ---

// CreateMarket handles POST /api/v1/markets
func (h *Handler) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if !h.decode(w, r, &req) {
		return
	}

	m, err := h.svc.CreateMarket(r.Context(), CreateMarketParams{
		Title:       req.Title,
		Description: req.Description,
		CloseTime:   req.CloseTime,
		B:           req.B,
		FeeRate:     req.FeeRate,
		Draft:       req.Draft,
	})
	if err != nil {
		if errors.Is(err, lmsr.ErrInvalidParameter) {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newMarketView(*m))
}

// ListMarkets handles GET /api/v1/markets
// Optionally filtered by ?state=ACTIVE.
func (h *Handler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := h.svc.ListMarkets(r.Context(), model.MarketState(r.URL.Query().Get("state")))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	views := make([]MarketView, 0, len(markets))
	for _, m := range markets {
		views = append(views, newMarketView(m))
	}
	writeJSON(w, http.StatusOK, views)
}

// GetMarket handles GET /api/v1/markets/{marketID}
func (h *Handler) GetMarket(w http.ResponseWriter, r *http.Request) {
	m, err := h.svc.GetMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newMarketView(*m))
}

// Quote handles GET /api/v1/markets/{marketID}/quote?side=YES&dq=5
func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	dq, err := decimal.NewFromString(r.URL.Query().Get("dq"))
	if err != nil {
		writeError(w, ErrInvalidQuantity.Error(), http.StatusBadRequest)
		return
	}
	side := model.Side(r.URL.Query().Get("side"))

	q, err := h.svc.Quote(r.Context(), chi.URLParam(r, "marketID"), side, dq)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// Trade handles POST /api/v1/markets/{marketID}/trade
func (h *Handler) Trade(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.svc.Trade(r.Context(), chi.URLParam(r, "marketID"), req.UserID, req.Side, req.DQ)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// SetState handles POST /api/v1/markets/{marketID}/state
func (h *Handler) SetState(w http.ResponseWriter, r *http.Request) {
	var req SetStateRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !req.State.Valid() {
		writeError(w, "unknown market state: "+string(req.State), http.StatusBadRequest)
		return
	}

	m, err := h.svc.SetMarketState(r.Context(), chi.URLParam(r, "marketID"), req.State)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newMarketView(*m))
}

// ListTrades handles GET /api/v1/markets/{marketID}/trades
func (h *Handler) ListTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := h.svc.Trades(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if trades == nil {
		trades = []model.TradeRecord{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// ListLedger handles GET /api/v1/markets/{marketID}/ledger
func (h *Handler) ListLedger(w http.ResponseWriter, r *http.Request) {
	entries, err := h.svc.Ledger(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// GetPositions handles GET /api/v1/users/{userID}/positions
func (h *Handler) GetPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := h.svc.Positions(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// StatusFor maps a service error to its HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidQuantity),
		errors.Is(err, ErrInvalidSide),
		errors.Is(err, ErrInvalidUser):
		return http.StatusBadRequest
	case errors.Is(err, ErrMarketNotTradable),
		errors.Is(err, ErrInvalidTransition),
		errors.Is(err, store.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, ErrRetriesExhausted),
		errors.Is(err, store.ErrConflict),
		errors.Is(err, store.ErrCommitFailed),
		errors.Is(err, lock.ErrLockHeld):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
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
	writeJSON(w, status, map[string]string{"error": message})
}
