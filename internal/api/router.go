package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterConfig holds the handlers and limits for NewRouter
type RouterConfig struct {
	Metrics      *MetricsHandler
	Health       *HealthHandler
	Auth         *AuthManager
	RateLimitRPS int
	RateBurst    int
}

// NewRouter builds the HTTP surface:
//
//	GET    /api/v1/metrics/latest
//	GET    /api/v1/metrics/{symbol}/summary
//	GET    /api/v1/symbols
//	POST   /api/v1/symbols           (admin)
//	DELETE /api/v1/symbols/{symbol}  (admin)
//	GET    /health, /ready, /live, /metrics
func NewRouter(cfg RouterConfig) http.Handler {
	auth := cfg.Auth
	if auth == nil {
		auth = NewAuthManager("")
	}
	admin := AuthMiddleware(auth)

	router := mux.NewRouter()
	router.Use(InstrumentMiddleware())

	v1 := router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/metrics/latest", cfg.Metrics.LatestMetrics).Methods("GET")
	v1.HandleFunc("/metrics/{symbol}/summary", cfg.Metrics.MetricsSummary).Methods("GET")
	v1.HandleFunc("/symbols", cfg.Metrics.ListSymbols).Methods("GET")
	v1.Handle("/symbols", admin(http.HandlerFunc(cfg.Metrics.AddSymbol))).Methods("POST")
	v1.Handle("/symbols/{symbol}", admin(http.HandlerFunc(cfg.Metrics.RemoveSymbol))).Methods("DELETE")

	if cfg.Health != nil {
		router.HandleFunc("/health", cfg.Health.Health).Methods("GET")
		router.HandleFunc("/ready", cfg.Health.Ready).Methods("GET")
		router.HandleFunc("/live", cfg.Health.Live).Methods("GET")
	}
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	middlewares := ChainMiddleware(
		CORSMiddleware(),
		LoggingMiddleware(),
		ErrorHandlingMiddleware(),
		RateLimitMiddleware(cfg.RateLimitRPS, cfg.RateBurst),
	)
	return middlewares(router)
}
