package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/claimpilot/claimpilot/internal/engine"
	"github.com/claimpilot/claimpilot/internal/model"
	"github.com/claimpilot/claimpilot/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the claim evaluation HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: newRouter(env.Store, env.Engine),
			// Evaluations run synchronously inside the request.
			WriteTimeout: 10 * time.Minute,
			ReadTimeout:  30 * time.Second,
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}
		return nil
	},
}

// claimRunner is the slice of the engine the API needs.
type claimRunner interface {
	Run(ctx context.Context, claimID string) (*model.EvaluationResult, error)
}

func newRouter(st store.Store, runner claimRunner) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/claims", func(w http.ResponseWriter, req *http.Request) {
		var in struct {
			Amount      float64 `json:"amount"`
			Description string  `json:"description"`
			Claimant    string  `json:"claimant"`
		}
		if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if in.Amount <= 0 || in.Description == "" || in.Claimant == "" {
			writeError(w, http.StatusBadRequest, "amount, description, and claimant are required")
			return
		}

		claim, err := st.CreateClaim(req.Context(), model.Claim{
			ID:          uuid.NewString(),
			Amount:      in.Amount,
			Description: in.Description,
			Claimant:    in.Claimant,
			Status:      model.ClaimStatusSubmitted,
			CreatedAt:   time.Now().UTC(),
		})
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, claim)
	})

	r.Post("/claims/{id}/evidence", func(w http.ResponseWriter, req *http.Request) {
		claimID := chi.URLParam(req, "id")
		if _, err := st.GetClaim(req.Context(), claimID); err != nil {
			writeStoreError(w, err)
			return
		}

		var in struct {
			Kind    string `json:"kind"`
			Locator string `json:"locator"`
		}
		if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		kind := model.EvidenceKind(in.Kind)
		if (kind != model.EvidenceKindDocument && kind != model.EvidenceKindImage) || in.Locator == "" {
			writeError(w, http.StatusBadRequest, "kind must be document or image, locator is required")
			return
		}

		ev, err := st.AddEvidence(req.Context(), model.Evidence{
			ID:        uuid.NewString(),
			ClaimID:   claimID,
			Kind:      kind,
			Locator:   in.Locator,
			Status:    model.EvidenceStatusUploaded,
			CreatedAt: time.Now().UTC(),
		})
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, ev)
	})

	r.Post("/claims/{id}/evaluate", func(w http.ResponseWriter, req *http.Request) {
		claimID := chi.URLParam(req, "id")
		result, err := runner.Run(req.Context(), claimID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	})

	r.Get("/claims/{id}", func(w http.ResponseWriter, req *http.Request) {
		claimID := chi.URLParam(req, "id")
		claim, err := st.GetClaim(req.Context(), claimID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		evidence, err := st.ListEvidence(req.Context(), claimID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"claim": claim, "evidence": evidence})
	})

	r.Get("/claims/{id}/results", func(w http.ResponseWriter, req *http.Request) {
		claimID := chi.URLParam(req, "id")
		if _, err := st.GetClaim(req.Context(), claimID); err != nil {
			writeStoreError(w, err)
			return
		}
		runs, err := st.ListRuns(req.Context(), claimID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		out := make([]map[string]any, 0, len(runs))
		for _, run := range runs {
			trail, err := st.ListToolResults(req.Context(), run.ID)
			if err != nil {
				writeStoreError(w, err)
				return
			}
			out = append(out, map[string]any{"run": run, "tool_results": trail})
		}
		writeJSON(w, http.StatusOK, out)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeStoreError maps store and engine errors to HTTP statuses, carrying
// the taxonomy code for machine consumers.
func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	status := http.StatusInternalServerError
	if errors.Is(err, store.ErrEvaluationInProgress) || errors.Is(err, store.ErrNotReEvaluable) {
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"code":  string(engine.Classify(err)),
	})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
