package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"regpay/backend/internal/config"
	"regpay/backend/internal/db"
	"regpay/backend/internal/http/handlers"
	"regpay/backend/internal/http/middleware"
	"regpay/backend/internal/integrations"
	"regpay/backend/internal/logging"
	"regpay/backend/internal/pelecard"
	"regpay/backend/internal/reconcile"
	"regpay/backend/internal/repository"
	"regpay/backend/internal/sumit"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger, cleanup, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("log error: %v", err)
	}
	defer func() {
		_ = cleanup()
	}()
	logger = logger.With("service", "api")
	slog.SetDefault(logger)

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("db error", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	repo := repository.New(pool)
	gateway := pelecard.NewClient(pelecard.Config{
		GatewayURL: cfg.Pelecard.GatewayURL,
		Terminal:   cfg.Pelecard.Terminal,
		User:       cfg.Pelecard.User,
		Password:   cfg.Pelecard.Password,
		ShopNo:     cfg.Pelecard.ShopNo,
	}, nil, logger)
	invoicing := sumit.NewClient(sumit.Config{
		BaseURL:   cfg.Sumit.BaseURL,
		CompanyID: cfg.Sumit.CompanyID,
		APIKey:    cfg.Sumit.APIKey,
	}, nil, logger)

	reconciler := reconcile.New(repo, gateway, invoicing, reconcile.Config{
		FallbackEmail: cfg.Sumit.FallbackEmail,
		WaitTimeout:   cfg.Convergence.WaitTimeout,
		PollInterval:  cfg.Convergence.PollInterval,
	}, logger)

	var archive *integrations.ArchiveClient
	if cfg.S3.Bucket != "" {
		archive, err = integrations.NewArchive(cfg.S3)
		if err != nil {
			logger.Error("s3 error", "error", err)
			os.Exit(1)
		}
	}

	h := handlers.New(repo, reconciler, gateway, archive, cfg, logger)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(logger))
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/", h.InitPayment)
	r.Get("/tokenize", h.TokenizeCard)
	r.Post("/pelecard-callback", h.PelecardWebhook)
	r.Get("/callback", h.BrowserReturn)
	r.Get("/thankyou", h.BrowserReturn)

	r.Post("/admin/login", h.AuthAdmin)
	r.Group(func(r chi.Router) {
		r.Use(middleware.AdminAuthMiddleware(cfg.Admin.JWTSecret))
		r.Get("/admin/registrations/{regID}", h.AdminGetRegistration)
	})

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	go func() {
		logger.Info("api_listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutdown", "service", "api")
	ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctxShutdown)
}
