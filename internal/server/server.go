package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"olhovivo-collector/internal/collector"
	"olhovivo-collector/internal/db"
)

// StatusSource exposes the last finished cycle.
type StatusSource interface {
	Last() (collector.Report, bool)
}

// Catalog answers queries about collected files. Optional.
type Catalog interface {
	Files(ctx context.Context, category string, limit int) ([]db.FileRecord, error)
	CycleFiles(ctx context.Context, cycleID uuid.UUID) (int, error)
}

type StatusResponse struct {
	Status    string            `json:"status"`
	LastCycle *collector.Report `json:"lastCycle,omitempty"`
	CheckedAt time.Time         `json:"checkedAt"`
}

type CycleFilesResponse struct {
	CycleID string `json:"cycleId"`
	Files   int    `json:"files"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

const defaultFileLimit = 50

// NewRouter wires /metrics, /healthz, /status and, when catalog is not nil,
// /files and /cycles/{id}.
func NewRouter(metrics http.Handler, status StatusSource, catalog Catalog) http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}))

	if metrics != nil {
		r.Handle("/metrics", metrics)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		resp := StatusResponse{Status: "starting", CheckedAt: time.Now().UTC()}
		if last, ok := status.Last(); ok {
			resp.LastCycle = &last
			resp.Status = "ok"
			if !last.OK() {
				resp.Status = "error"
			}
		}
		writeJSON(w, http.StatusOK, resp)
	})

	if catalog != nil {
		r.Get("/files", func(w http.ResponseWriter, r *http.Request) {
			category := r.URL.Query().Get("category")
			if category == "" {
				writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "category is required"})
				return
			}
			limit := defaultFileLimit
			if v := r.URL.Query().Get("limit"); v != "" {
				n, err := strconv.Atoi(v)
				if err != nil || n < 1 {
					writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid limit"})
					return
				}
				limit = n
			}

			ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
			defer cancel()
			recs, err := catalog.Files(ctx, category, limit)
			if err != nil {
				log.Printf("server: list files %s: %v", category, err)
				writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "Failed to list files"})
				return
			}
			if recs == nil {
				recs = []db.FileRecord{}
			}
			writeJSON(w, http.StatusOK, recs)
		})

		r.Get("/cycles/{id}", func(w http.ResponseWriter, r *http.Request) {
			id, err := uuid.Parse(chi.URLParam(r, "id"))
			if err != nil {
				writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid cycle id"})
				return
			}

			ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
			defer cancel()
			n, err := catalog.CycleFiles(ctx, id)
			if err != nil {
				log.Printf("server: count files of cycle %s: %v", id, err)
				writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "Failed to count files"})
				return
			}
			writeJSON(w, http.StatusOK, CycleFilesResponse{CycleID: id.String(), Files: n})
		})
	}

	return r
}

// Serve starts an HTTP server on addr in the background.
func Serve(addr string, h http.Handler) *http.Server {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("status server error: %v", err)
		}
	}()
	log.Printf("status server listening on %s", addr)
	return srv
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
