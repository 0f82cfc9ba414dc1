package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sourabh1428/easybill-engine/internal/pkg/logger"
	"github.com/sourabh1428/easybill-engine/internal/tenant"
)

type contextKey string

const tenantKey contextKey = "tenant"

// tenantAuth resolves the x-api-key header to a tenant and stashes it on
// the request context.
func (s *Server) tenantAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey := r.Header.Get("x-api-key")
		if apiKey == "" {
			writeError(w, http.StatusUnauthorized, "missing x-api-key header")
			return
		}

		t, err := s.resolver.Resolve(r.Context(), apiKey)
		if errors.Is(err, tenant.ErrUnknownTenant) {
			writeError(w, http.StatusUnauthorized, "unknown tenant")
			return
		}
		if err != nil {
			logger.Error("tenant resolution failed", "error", err.Error())
			writeError(w, http.StatusInternalServerError, "tenant resolution failed")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), tenantKey, t)))
	})
}

func tenantFrom(r *http.Request) *tenant.Tenant {
	t, _ := r.Context().Value(tenantKey).(*tenant.Tenant)
	return t
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
