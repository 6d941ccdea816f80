package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"regpay/backend/internal/config"
	"regpay/backend/internal/integrations"
	"regpay/backend/internal/pelecard"
	"regpay/backend/internal/rate"
	"regpay/backend/internal/reconcile"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
)

type Handler struct {
	store       reconcile.Store
	reconciler  *reconcile.Reconciler
	gateway     *pelecard.Client
	archive     *integrations.ArchiveClient
	cfg         *config.Config
	logger      *slog.Logger
	validator   *validator.Validate
	initLimiter *rate.WindowLimiter
}

func New(store reconcile.Store, reconciler *reconcile.Reconciler, gateway *pelecard.Client, archive *integrations.ArchiveClient, cfg *config.Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:       store,
		reconciler:  reconciler,
		gateway:     gateway,
		archive:     archive,
		cfg:         cfg,
		logger:      logger,
		validator:   validator.New(),
		initLimiter: rate.NewWindowLimiter(30, time.Minute),
	}
}

func (h *Handler) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, 15*time.Second)
}

func (h *Handler) loggerForRequest(r *http.Request) *slog.Logger {
	logger := h.logger
	if logger == nil {
		return slog.Default()
	}
	if reqID := chimw.GetReqID(r.Context()); reqID != "" {
		logger = logger.With("request_id", reqID)
	}
	return logger
}
