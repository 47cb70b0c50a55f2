package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mihiarc/socialmapper/internal/pipeline"
)

var servePort int

// runStatus tracks one async analysis.
type runStatus struct {
	ID     string                 `json:"id"`
	State  string                 `json:"state"` // running | done | failed
	Error  string                 `json:"error,omitempty"`
	Result *pipeline.ResultBundle `json:"result,omitempty"`
}

type runRegistry struct {
	mu   sync.RWMutex
	runs map[string]*runStatus
}

func (r *runRegistry) put(s *runStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[s.ID] = s
}

func (r *runRegistry) get(id string) (*runStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.runs[id]
	return s, ok
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		p, closeFn, err := pipeline.FromConfig(ctx, cfg)
		if err != nil {
			return eris.Wrap(err, "init pipeline")
		}
		defer closeFn() //nolint:errcheck

		registry := &runRegistry{runs: make(map[string]*runStatus)}

		r := chi.NewRouter()
		r.Use(middleware.Recoverer)
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST"},
			AllowedHeaders: []string{"Content-Type"},
		}))

		r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		r.Post("/api/run", func(w http.ResponseWriter, req *http.Request) {
			var body pipeline.Request
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
				return
			}
			if err := body.Validate(); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
				return
			}

			status := &runStatus{ID: uuid.NewString(), State: "running"}
			registry.put(status)

			// Each run gets its own tracker, RNG, and output subdirectory;
			// concurrent requests must not share that state.
			runner := p.ForRun(status.ID[:8])

			go func() {
				result, err := runner.Run(ctx, body)
				if err != nil {
					zap.L().Error("api run failed", zap.String("id", status.ID), zap.Error(err))
					registry.put(&runStatus{ID: status.ID, State: "failed", Error: err.Error()})
					return
				}
				registry.put(&runStatus{ID: status.ID, State: "done", Result: result})
			}()

			writeJSON(w, http.StatusAccepted, status)
		})

		r.Get("/api/runs/{id}", func(w http.ResponseWriter, req *http.Request) {
			status, ok := registry.get(chi.URLParam(req, "id"))
			if !ok {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown run id"})
				return
			}
			writeJSON(w, http.StatusOK, status)
		})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: r,
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			srv.Shutdown(ctx) //nolint:errcheck
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
