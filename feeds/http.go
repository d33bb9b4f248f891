package feeds

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/procura/kit"
	"github.com/hazyhaar/procura/shield"
)

// Handler returns the HTTP API: read access to opportunities, their history
// and the connectors, manual run triggers, and /metrics when metrics are
// enabled.
func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	for _, mw := range shield.DefaultAPIStack() {
		r.Use(mw)
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Route("/api/opportunities", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			q := r.URL.Query()
			req := &listRequest{
				ConnectorID: q.Get("connector"),
				Status:      q.Get("status"),
				Query:       q.Get("q"),
				Limit:       queryInt(r, "limit", 50),
				Offset:      queryInt(r, "offset", 0),
			}
			if v := q.Get("closes_before"); v != "" {
				t, err := time.Parse(time.RFC3339, v)
				if err != nil {
					writeJSON(w, http.StatusBadRequest, map[string]string{"error": "closes_before: want RFC3339"})
					return
				}
				req.ClosesBefore = t.UnixMilli()
			}
			s.serve(w, r, s.listEndpoint(), req)
		})
		r.Get("/{id}", func(w http.ResponseWriter, r *http.Request) {
			s.serve(w, r, s.getEndpoint(), &opportunityRequest{ID: chi.URLParam(r, "id")})
		})
		r.Get("/{id}/history", func(w http.ResponseWriter, r *http.Request) {
			s.serve(w, r, s.historyEndpoint(), &opportunityRequest{ID: chi.URLParam(r, "id")})
		})
		r.Get("/{id}/submittable", func(w http.ResponseWriter, r *http.Request) {
			resp, err := s.submittableEndpoint()(r.Context(), &opportunityRequest{ID: chi.URLParam(r, "id")})
			switch {
			case errors.Is(err, ErrNotAcceptingSubmissions):
				writeJSON(w, http.StatusConflict, map[string]any{"submittable": false, "reason": err.Error(), "opportunity": resp})
			case err != nil:
				writeError(w, r, err)
			default:
				writeJSON(w, http.StatusOK, map[string]any{"submittable": true, "opportunity": resp})
			}
		})
	})

	r.Route("/api/connectors", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			s.serve(w, r, s.connectorsEndpoint(), nil)
		})
		r.Get("/{id}/runs", func(w http.ResponseWriter, r *http.Request) {
			s.serve(w, r, s.runsEndpoint(), &runsRequest{ConnectorID: chi.URLParam(r, "id"), Limit: queryInt(r, "limit", 20)})
		})
		r.Post("/{id}/run", func(w http.ResponseWriter, r *http.Request) {
			id := chi.URLParam(r, "id")
			r = r.WithContext(kit.WithConnectorID(r.Context(), id))
			s.serve(w, r, s.runEndpoint(), &runRequest{ConnectorID: id})
		})
	})

	return r
}

func (s *Service) serve(w http.ResponseWriter, r *http.Request, e kit.Endpoint, req any) {
	resp, err := e(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrUnknownConnector), errors.Is(err, ErrOpportunityNotFound):
		code = http.StatusNotFound
	case errors.Is(err, ErrNotAcceptingSubmissions):
		code = http.StatusConflict
	default:
		shield.GetLogger(r.Context()).Error("feeds: request failed", "error", err)
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return def
	}
	return n
}
