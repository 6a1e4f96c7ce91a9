package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/openauthority/authsync/internal/model"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve run history and report artifacts over HTTP",
	Long:  "Exposes the run history and settled totals as JSON and the report directory's artifacts as static files.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		led, err := initLedger(ctx)
		if err != nil {
			return err
		}
		defer led.Close() //nolint:errcheck
		if err := led.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate ledger")
		}

		mux := buildMux(led, cfg.Report.Dir)
		port := resolvePort(servePort, cfg.Server.Port)

		zap.L().Info("starting report server", zap.Int("port", port))
		return startServer(ctx, mux, port)
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// runLister is the slice of the ledger the server reads.
type runLister interface {
	ListRuns(ctx context.Context, limit int) ([]model.RunRecord, error)
	CountCompleted(ctx context.Context) (int64, error)
}

// resolvePort prefers the flag value over the configured one.
func resolvePort(flag, fromConfig int) int {
	if flag != 0 {
		return flag
	}
	return fromConfig
}

// buildMux assembles the server routes: health, run history, settled
// totals, and the raw report artifacts.
func buildMux(led runLister, reportDir string) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("GET /api/runs", func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				http.Error(w, `{"error":"limit must be a positive integer"}`, http.StatusBadRequest)
				return
			}
			limit = n
		}

		runs, err := led.ListRuns(r.Context(), limit)
		if err != nil {
			zap.L().Error("list runs failed", zap.Error(err))
			http.Error(w, `{"error":"ledger unavailable"}`, http.StatusInternalServerError)
			return
		}
		if runs == nil {
			runs = []model.RunRecord{}
		}
		writeJSON(w, http.StatusOK, runs)
	})

	mux.HandleFunc("GET /api/status", func(w http.ResponseWriter, r *http.Request) {
		completed, err := led.CountCompleted(r.Context())
		if err != nil {
			zap.L().Error("count completed failed", zap.Error(err))
			http.Error(w, `{"error":"ledger unavailable"}`, http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int64{"settled": completed})
	})

	mux.Handle("GET /reports/", http.StripPrefix("/reports/", http.FileServer(http.Dir(reportDir))))

	return mux
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// startServer runs the HTTP server until ctx is cancelled, then shuts it
// down gracefully.
func startServer(ctx context.Context, mux *http.ServeMux, port int) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		zap.L().Info("shutting down server")
		// ctx is already cancelled; shut down with a fresh one.
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return eris.Wrap(err, "server listen")
	}
	return nil
}
