package approval

import (
	"bytes"
	"encoding/json"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/latch-dev/latch/internal/domain/approval"
	"github.com/latch-dev/latch/internal/domain/credential"
)

// maxBodyBytes caps decide and enroll request bodies.
const maxBodyBytes = 64 << 10

// Error bodies returned to the page.
const (
	msgNotFound        = "Approval not found"
	msgAlreadyDecided  = "Approval already decided"
	msgInvalidRequest  = "Invalid request"
	msgInvalidDecision = "Decision must be \"approve\" or \"deny\""
	msgNoCredentials   = "No credentials enrolled. Run: latch enroll"
	msgNoChallenge     = "No WebAuthn challenge issued"
	msgAssertionNeeded = "WebAuthn assertion required"
	msgUnknownCred     = "Unknown credential"
	msgVerifyFailed    = "Verification failed"
	msgPersistFailed   = "Failed to persist credential counter"
)

// approvalHandler serves the routes of one pending approval.
type approvalHandler struct {
	pending  *approval.Pending
	origin   string
	server   *Server
	template *template.Template

	// mu serializes decisions and guards session.
	mu      sync.Mutex
	session *webauthn.SessionData
}

func (h *approvalHandler) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /static/", http.FileServer(http.FS(staticFS)))
	mux.HandleFunc("GET /approval/{id}", h.withPending(h.page))
	mux.HandleFunc("GET /approval/{id}/info", h.withPending(h.info))
	mux.HandleFunc("GET /approval/{id}/webauthn-options", h.withPending(h.webAuthnOptions))
	mux.HandleFunc("POST /approval/{id}/decide", h.withPending(h.decide))
	return mux
}

// withPending rejects ids other than the one this listener serves.
func (h *approvalHandler) withPending(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != h.pending.ID {
			respondError(h.server.logger, w, http.StatusNotFound, msgNotFound)
			return
		}
		next(w, r)
	}
}

type pageData struct {
	ID              string
	ToolName        string
	ToolInput       string
	RequireWebAuthn bool
}

func (h *approvalHandler) page(w http.ResponseWriter, _ *http.Request) {
	req := h.pending.Request
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	data := pageData{
		ID:              h.pending.ID,
		ToolName:        req.ToolName,
		ToolInput:       renderInput(req.ToolInput),
		RequireWebAuthn: req.RequireWebAuthn,
	}
	if err := h.template.ExecuteTemplate(w, "approval.html", data); err != nil {
		h.server.logger.Error("failed to render approval page", "error", err)
	}
}

// renderInput pretty-prints args as JSON. The template escapes the result.
func renderInput(args map[string]any) string {
	if args == nil {
		return "{}"
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(args); err != nil {
		return "{}"
	}
	return strings.TrimRight(buf.String(), "\n")
}

func (h *approvalHandler) info(w http.ResponseWriter, _ *http.Request) {
	req := h.pending.Request
	respondJSON(h.server.logger, w, http.StatusOK, map[string]any{
		"toolName":        req.ToolName,
		"toolInput":       req.ToolInput,
		"requireWebAuthn": req.RequireWebAuthn,
	})
}

func (h *approvalHandler) webAuthnOptions(w http.ResponseWriter, r *http.Request) {
	creds, err := h.server.credentials.List(r.Context())
	if err != nil {
		h.server.logger.Error("failed to load credentials", "error", err)
		respondError(h.server.logger, w, http.StatusInternalServerError, "Failed to load credentials")
		return
	}
	if len(creds) == 0 {
		respondError(h.server.logger, w, http.StatusBadRequest, msgNoCredentials)
		return
	}

	options, session, err := h.server.verifier.BeginAssertion(h.origin, creds)
	if err != nil {
		h.server.logger.Error("failed to begin assertion", "error", err)
		respondError(h.server.logger, w, http.StatusInternalServerError, "Failed to create challenge")
		return
	}

	h.mu.Lock()
	h.session = session
	h.mu.Unlock()

	respondJSON(h.server.logger, w, http.StatusOK, options)
}

type decideRequest struct {
	Decision     string          `json:"decision"`
	AuthResponse json.RawMessage `json:"authResponse,omitempty"`
}

func (h *approvalHandler) decide(w http.ResponseWriter, r *http.Request) {
	var body decideRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		respondError(h.server.logger, w, http.StatusBadRequest, msgInvalidRequest)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.pending.Resolved() {
		respondError(h.server.logger, w, http.StatusConflict, msgAlreadyDecided)
		return
	}

	var outcome approval.Outcome
	switch body.Decision {
	case "deny":
		outcome = approval.Outcome{Approved: false, Reason: approval.ReasonDenied}
	case "approve":
		if h.pending.Request.RequireWebAuthn {
			if status, msg := h.verify(r, body.AuthResponse); status != http.StatusOK {
				respondError(h.server.logger, w, status, msg)
				return
			}
		}
		outcome = approval.Outcome{Approved: true, Reason: approval.ReasonApproved}
	default:
		respondError(h.server.logger, w, http.StatusBadRequest, msgInvalidDecision)
		return
	}

	if !h.pending.Resolve(outcome) {
		respondError(h.server.logger, w, http.StatusConflict, msgAlreadyDecided)
		return
	}
	respondJSON(h.server.logger, w, http.StatusOK, map[string]bool{"ok": true})
}

// verify checks the assertion and persists the advanced counter. The
// caller holds h.mu. The challenge is consumed whatever the result.
func (h *approvalHandler) verify(r *http.Request, authResponse json.RawMessage) (int, string) {
	if len(authResponse) == 0 || string(authResponse) == "null" {
		return http.StatusBadRequest, msgAssertionNeeded
	}
	session := h.session
	h.session = nil
	if session == nil {
		return http.StatusBadRequest, msgNoChallenge
	}

	logger := h.server.logger.With("approval_id", h.pending.ID)
	creds, err := h.server.credentials.List(r.Context())
	if err != nil {
		logger.Error("failed to load credentials", "error", err)
		return http.StatusInternalServerError, "Failed to load credentials"
	}

	assertion, err := h.server.verifier.FinishAssertion(h.origin, session, creds, authResponse)
	if errors.Is(err, ErrUnknownCredential) {
		return http.StatusBadRequest, msgUnknownCred
	}
	if err != nil {
		logger.Warn("webauthn verification failed", "error", err)
		return http.StatusBadRequest, msgVerifyFailed
	}

	stored, ok := credential.Find(creds, assertion.CredentialID)
	if !ok {
		return http.StatusBadRequest, msgUnknownCred
	}
	if err := stored.CheckCounter(assertion.Counter); err != nil {
		logger.Warn("webauthn assertion rejected", "credential_id", assertion.CredentialID, "error", err)
		return http.StatusBadRequest, msgVerifyFailed
	}
	err = h.server.credentials.UpdateCounter(r.Context(), assertion.CredentialID, assertion.Counter)
	if errors.Is(err, credential.ErrReplay) {
		// Another assertion advanced the counter since creds was read.
		logger.Warn("webauthn assertion rejected", "credential_id", assertion.CredentialID, "error", err)
		return http.StatusBadRequest, msgVerifyFailed
	}
	if err != nil {
		logger.Error("failed to persist credential counter", "credential_id", assertion.CredentialID, "error", err)
		return http.StatusInternalServerError, msgPersistFailed
	}
	return http.StatusOK, ""
}

// respondJSON writes a JSON response with the given status code and data.
func respondJSON(logger *slog.Logger, w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Debug("failed to encode JSON response", "error", err)
	}
}

// respondError writes a JSON error response with the given status code and message.
func respondError(logger *slog.Logger, w http.ResponseWriter, status int, message string) {
	respondJSON(logger, w, status, map[string]string{"error": message})
}
