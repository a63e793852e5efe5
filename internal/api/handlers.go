package api

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/mohamedkhairy/upbit-metrics/internal/models"
	"github.com/mohamedkhairy/upbit-metrics/internal/query"
	"github.com/mohamedkhairy/upbit-metrics/pkg/logger"
)

// MetricsService is the query surface served over HTTP
type MetricsService interface {
	LatestMetrics(ctx context.Context, req query.LatestRequest) (map[string]*models.MetricsSnapshot, error)
	MetricsSummary(ctx context.Context, req query.SummaryRequest) (*models.MetricsSummary, error)
	MonitoredSymbols(ctx context.Context, isActive *bool) ([]models.Symbol, error)
	AddSymbol(ctx context.Context, code string) (models.Symbol, error)
	RemoveSymbol(ctx context.Context, code string) (models.Symbol, error)
}

// MetricsHandler handles metrics and symbol endpoints
type MetricsHandler struct {
	svc     MetricsService
	timeout time.Duration
}

// NewMetricsHandler creates a new metrics handler. timeout bounds each
// service call; zero means no bound.
func NewMetricsHandler(svc MetricsService, timeout time.Duration) *MetricsHandler {
	return &MetricsHandler{svc: svc, timeout: timeout}
}

func (h *MetricsHandler) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	if h.timeout <= 0 {
		return context.WithCancel(r.Context())
	}
	return context.WithTimeout(r.Context(), h.timeout)
}

// LatestMetrics handles GET /api/v1/metrics/latest
func (h *MetricsHandler) LatestMetrics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	req := query.LatestRequest{
		Symbols: splitList(q.Get("symbols")),
		Side:    q.Get("side"),
	}
	var err error
	if req.OrderSizeKRW, err = optionalFloat(q, "order_size_krw"); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.TIWindows, err = intList(q, "ti_windows_sec"); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.FreshnessMs, err = optionalInt64(q, "freshness_ms"); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := h.requestContext(r)
	defer cancel()

	result, err := h.svc.LatestMetrics(ctx, req)
	if err != nil {
		respondWithServiceError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"metrics": result,
		"count":   len(result),
	})
}

// MetricsSummary handles GET /api/v1/metrics/{symbol}/summary
func (h *MetricsHandler) MetricsSummary(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	lookback, err := strconv.Atoi(q.Get("lookback_sec"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "lookback_sec must be an integer")
		return
	}

	req := query.SummaryRequest{
		Symbol:      mux.Vars(r)["symbol"],
		LookbackSec: lookback,
		Side:        q.Get("side"),
	}
	if req.OrderSizeKRW, err = optionalFloat(q, "order_size_krw"); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.TIWindows, err = intList(q, "ti_windows_sec"); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := h.requestContext(r)
	defer cancel()

	summary, err := h.svc.MetricsSummary(ctx, req)
	if err != nil {
		respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, summary)
}

// ListSymbols handles GET /api/v1/symbols
func (h *MetricsHandler) ListSymbols(w http.ResponseWriter, r *http.Request) {
	var isActive *bool
	if raw := r.URL.Query().Get("is_active"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, "is_active must be a boolean")
			return
		}
		isActive = &v
	}

	ctx, cancel := h.requestContext(r)
	defer cancel()

	symbols, err := h.svc.MonitoredSymbols(ctx, isActive)
	if err != nil {
		respondWithServiceError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"symbols": symbols,
		"count":   len(symbols),
	})
}

type addSymbolRequest struct {
	Symbol string `json:"symbol"`
}

// AddSymbol handles POST /api/v1/symbols
func (h *MetricsHandler) AddSymbol(w http.ResponseWriter, r *http.Request) {
	var body addSymbolRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	ctx, cancel := h.requestContext(r)
	defer cancel()

	sym, err := h.svc.AddSymbol(ctx, body.Symbol)
	if err != nil {
		respondWithServiceError(w, r, err)
		return
	}

	logger.WithContext(r.Context()).Info("Symbol added via API",
		logger.Symbol(sym.Code),
		logger.String("subject", SubjectFromContext(r.Context())),
	)
	respondWithJSON(w, http.StatusCreated, sym)
}

// RemoveSymbol handles DELETE /api/v1/symbols/{symbol}
func (h *MetricsHandler) RemoveSymbol(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.requestContext(r)
	defer cancel()

	sym, err := h.svc.RemoveSymbol(ctx, mux.Vars(r)["symbol"])
	if err != nil {
		respondWithServiceError(w, r, err)
		return
	}

	logger.WithContext(r.Context()).Info("Symbol removed via API",
		logger.Symbol(sym.Code),
		logger.String("subject", SubjectFromContext(r.Context())),
	)
	respondWithJSON(w, http.StatusOK, sym)
}

// Helper functions

func respondWithServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, models.ErrInvalidRequest):
		respondWithError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrUnknownSymbol):
		respondWithError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, models.ErrPersistenceUnavailable):
		respondWithError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		respondWithError(w, http.StatusGatewayTimeout, "Query timed out")
	default:
		logger.WithContext(r.Context()).Error("Request failed",
			logger.String("path", r.URL.Path),
			logger.ErrorField(err),
		)
		logger.ErrorsTotal.WithLabelValues("api", "internal").Inc()
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]interface{}{
		"error": message,
		"code":  code,
	})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

type queryValues interface {
	Get(key string) string
}

func optionalFloat(q queryValues, key string) (*float64, error) {
	raw := q.Get(key)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil, errors.New(key + " must be a finite number")
	}
	return &v, nil
}

func optionalInt64(q queryValues, key string) (*int64, error) {
	raw := q.Get(key)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, errors.New(key + " must be an integer")
	}
	return &v, nil
}

func intList(q queryValues, key string) ([]int, error) {
	parts := splitList(q.Get(key))
	if len(parts) == 0 {
		return nil, nil
	}
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, errors.New(key + " must be a comma-separated list of integers")
		}
		out = append(out, n)
	}
	return out, nil
}
