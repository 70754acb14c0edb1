package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/mux"

	"github.com/DustinHannon/CheatBook/internal/api"
	"github.com/DustinHannon/CheatBook/internal/auth"
	"github.com/DustinHannon/CheatBook/internal/config"
	"github.com/DustinHannon/CheatBook/internal/presence"
	"github.com/DustinHannon/CheatBook/internal/session"
	"github.com/DustinHannon/CheatBook/internal/store"
	"github.com/DustinHannon/CheatBook/internal/uploads"
	"github.com/DustinHannon/CheatBook/pkg/clock"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatal("invalid configuration", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("opening document store", "driver", cfg.DBDriver, "dsn", cfg.DSN)
	docs, err := store.Open(ctx, cfg.DBDriver, cfg.DSN)
	if err != nil {
		log.Fatal("failed to open document store", "err", err)
	}

	verifier, err := auth.ParseStaticTokens(cfg.AuthTokens)
	if err != nil {
		log.Fatal("invalid AUTH_TOKENS", "err", err)
	}

	clk := clock.NewSystem()
	sessions := session.NewRegistry(docs, clk, cfg.SessionLinger)
	engine := session.NewEngine(sessions, clk, cfg.FlushInterval)
	tracker := presence.NewTracker(clk, cfg.TypingStale)
	coordinator := uploads.NewCoordinator(clk, cfg.UploadTicketTTL, engine.ApplyAtHead)

	srv := api.NewServer(api.Deps{
		Verifier:   verifier,
		Authorizer: auth.AllowAll{},
		Sessions:   sessions,
		Engine:     engine,
		Presence:   tracker,
		Uploads:    coordinator,
		Clock:      clk,
		Grace:      cfg.GraceWindow,
		SweepEvery: cfg.TypingStale,
	})
	srv.Start()
	engine.Start()

	r := mux.NewRouter()
	r.HandleFunc("/ws", srv.HandleWebSocket)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods(http.MethodGet)

	httpServer := &http.Server{Addr: ":" + cfg.Port, Handler: r}
	go func() {
		log.Info("collaboration server listening", "port", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server failed", "err", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown", "err", err)
	}
	engine.Stop(shutdownCtx)

	if err := docs.Close(); err != nil {
		log.Error("store close", "err", err)
	}
	os.Exit(0)
}
