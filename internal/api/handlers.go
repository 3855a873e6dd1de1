package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kuzerno1/multi-codex-proxy/internal/account"
	"github.com/kuzerno1/multi-codex-proxy/internal/codex"
	"github.com/kuzerno1/multi-codex-proxy/internal/config"
	merrors "github.com/kuzerno1/multi-codex-proxy/internal/errors"
	"github.com/kuzerno1/multi-codex-proxy/internal/telemetry"
	"github.com/kuzerno1/multi-codex-proxy/internal/utils"
	"github.com/kuzerno1/multi-codex-proxy/pkg/types"
)

// Server holds the HTTP server dependencies.
type Server struct {
	orchestrator *codex.Orchestrator
	manager      *account.Manager
	telemetry    *telemetry.Store
}

// NewServer creates the API server.
func NewServer(orchestrator *codex.Orchestrator, manager *account.Manager, tel *telemetry.Store) *Server {
	return &Server{
		orchestrator: orchestrator,
		manager:      manager,
		telemetry:    tel,
	}
}

// Handler returns the main HTTP handler with all routes and middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/responses", s.proxyHandler("/responses"))
	mux.HandleFunc("/v1/chat/completions", s.proxyHandler("/chat/completions"))
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/account-limits", s.handleAccountLimits)

	// Catch-all for unsupported endpoints.
	mux.HandleFunc("/", s.handleNotFound)

	// Apply middleware (order matters: outermost first)
	handler := http.Handler(mux)
	handler = RequestID(handler)
	handler = Logger(handler)
	handler = Recovery(handler)
	handler = APIKeyAuth(handler)
	handler = ConfigurableCORS(handler)

	return handler
}

// proxyHandler forwards a completions-style request through the dispatcher.
func (s *Server) proxyHandler(upstreamPath string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			s.handleNotFound(w, r)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, config.RequestBodyLimit)
		body, err := io.ReadAll(r.Body)
		if err != nil {
			if err.Error() == "http: request body too large" {
				writeError(w, http.StatusRequestEntityTooLarge, merrors.ErrorTypeInvalidRequest,
					fmt.Sprintf("Request body too large (max %d bytes)", config.RequestBodyLimit))
				return
			}
			writeError(w, http.StatusBadRequest, merrors.ErrorTypeInvalidRequest, "Failed to read request body")
			return
		}
		defer r.Body.Close()

		var probe struct {
			Model          string `json:"model"`
			Stream         bool   `json:"stream"`
			PromptCacheKey string `json:"prompt_cache_key"`
		}
		if len(body) > 0 {
			if err := json.Unmarshal(body, &probe); err != nil {
				writeError(w, http.StatusBadRequest, merrors.ErrorTypeInvalidRequest,
					fmt.Sprintf("Invalid JSON: %v", err))
				return
			}
		}

		sessionKey := r.Header.Get("session_id")
		if sessionKey == "" {
			sessionKey = probe.PromptCacheKey
		}

		resp, err := s.orchestrator.Execute(r.Context(), &codex.Request{
			Path:       upstreamPath,
			Method:     http.MethodPost,
			Header:     r.Header,
			Body:       body,
			Model:      probe.Model,
			SessionKey: sessionKey,
		})
		if err != nil {
			writeAPIError(w, merrors.FromError(err))
			return
		}

		RelayResponse(w, resp)
	}
}

// handleHealth reports pool state for monitoring.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	accounts := s.manager.Snapshot()
	nowMs := time.Now().UnixMilli()

	available := 0
	limited := 0
	disabled := 0
	for i := range accounts {
		switch {
		case !accounts[i].IsEnabled():
			disabled++
		case account.IsEligible(&accounts[i], "codex", "", nowMs):
			available++
		default:
			limited++
		}
	}

	status := "ok"
	if len(accounts) == 0 || available == 0 {
		status = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(types.HealthResponse{
		Status: status,
		Accounts: types.AccountCounts{
			Total:       len(accounts),
			Available:   available,
			RateLimited: limited,
			Disabled:    disabled,
		},
	})
}

// handleNotFound responds for unrecognized routes.
func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	utils.Debug("[Server] Unsupported endpoint: %s %s", r.Method, r.URL.Path)
	writeError(w, http.StatusNotFound, merrors.ErrorTypeNotFound,
		fmt.Sprintf("Not found: %s %s", r.Method, r.URL.Path))
}

// writeError writes an OpenAI-format error with an explicit status.
func writeError(w http.ResponseWriter, status int, errType merrors.ErrorType, message string) {
	apiErr := merrors.NewError(errType, message)
	apiErr.HTTPStatus = status
	writeAPIError(w, apiErr)
}

func writeAPIError(w http.ResponseWriter, apiErr *merrors.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.StatusCode())
	w.Write(apiErr.ToJSON())
}
