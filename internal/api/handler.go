package api

import (
	"net/http"
	"time"

	"winedispense-backend/config"
	"winedispense-backend/internal/logger"
	"winedispense-backend/internal/metrics"
	"winedispense-backend/internal/mw"
	"winedispense-backend/internal/notification"
	"winedispense-backend/internal/security"
	"winedispense-backend/internal/store"
	"winedispense-backend/internal/token"
)

// Notifier queues low-volume alerts.
type Notifier interface {
	Dispatch(alert notification.Alert) bool
}

// Deps are the collaborators the router is built from.
type Deps struct {
	Store          store.Store
	Signer         *token.Signer
	Hasher         *security.Hasher
	Log            *logger.Logger
	Metrics        *metrics.Metrics
	Config         *config.Config
	Alerts         Notifier
	Limiter        *mw.Limiter
	Catalog        *mw.ResponseCache
	MetricsHandler http.Handler
}

// Handler holds shared dependencies for API handlers.
type Handler struct {
	store   store.Store
	signer  *token.Signer
	hasher  *security.Hasher
	log     *logger.Logger
	cfg     *config.Config
	alerts  Notifier
	catalog *mw.ResponseCache
	now     func() time.Time
}

// NewHandler creates a new API handler.
func NewHandler(d Deps) *Handler {
	log := d.Log
	if log == nil {
		log = logger.Nop()
	}
	cfg := d.Config
	if cfg == nil {
		cfg = &config.Config{}
		cfg.ApplyDefaults()
	}
	return &Handler{
		store:   d.Store,
		signer:  d.Signer,
		hasher:  d.Hasher,
		log:     log,
		cfg:     cfg,
		alerts:  d.Alerts,
		catalog: d.Catalog,
		now:     func() time.Time { return time.Now().UTC() },
	}
}
