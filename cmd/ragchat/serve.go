package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"time"

	ragwebui "github.com/MegaGrindStone/rag-web-ui"
	"github.com/MegaGrindStone/rag-web-ui/internal/handlers"
	"github.com/MegaGrindStone/rag-web-ui/internal/services"
	"github.com/MegaGrindStone/rag-web-ui/internal/stream"
	"github.com/spf13/cobra"
)

func (a *app) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the web interface",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd.Context())
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	if err := a.cfg.Backend.validate(); err != nil {
		return err
	}

	boltDB, err := services.NewBoltDB(a.cfg.StorePath)
	if err != nil {
		return err
	}
	defer boltDB.Close()

	ctrl := stream.NewController(
		stream.NewHTTPTransport(nil),
		a.cfg.tokenSource(boltDB),
		a.cfg.Backend.BaseURL,
		a.cfg.Backend.StreamPath,
		a.logger,
	)

	m, err := handlers.NewMain(ctrl, boltDB, a.logger)
	if err != nil {
		return fmt.Errorf("error creating handlers: %w", err)
	}

	// Serve static files
	staticFS, err := fs.Sub(ragwebui.StaticFS, "static")
	if err != nil {
		return err
	}
	fileServer := http.FileServer(http.FS(staticFS))

	mux := http.NewServeMux()
	mux.Handle("/static/", http.StripPrefix("/static/", fileServer))
	mux.HandleFunc("/", m.HandleHome)
	mux.HandleFunc("/chats", m.HandleChats)
	mux.HandleFunc("/chats/cancel", m.HandleCancel)
	mux.HandleFunc("/chats/messages", m.HandleMessages)
	mux.HandleFunc("/sse/messages", m.HandleSSE)

	srv := &http.Server{
		Addr:              ":" + a.cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// In-flight sends and change streams hold their connections open, so they are closed first or Shutdown would wait
	// on them.
	srv.RegisterOnShutdown(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("Failed to shutdown handlers", slog.String(errLoggerKey, err.Error()))
		}
	})

	serverErrors := make(chan error, 1)

	go func() {
		a.logger.Info("Server starting", slog.String("addr", srv.Addr), slog.String("backend", a.cfg.Backend.BaseURL))
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)

	case <-ctx.Done():
		a.logger.Info("Start shutdown")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("Graceful shutdown failed", slog.String(errLoggerKey, err.Error()))
			if err := srv.Close(); err != nil {
				a.logger.Error("Forcing server close", slog.String(errLoggerKey, err.Error()))
			}
		}
		return nil
	}
}
