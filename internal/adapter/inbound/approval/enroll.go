package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/latch-dev/latch/internal/domain/credential"
)

// Enroller registers a platform passkey through a one-shot localhost page.
type Enroller struct {
	credentials credential.Store
	registrar   Registrar
	opener      BrowserOpener
	timeout     time.Duration
	listenAddr  string
	tmpl        *template.Template
	logger      *slog.Logger
}

// EnrollOption configures Enroller.
type EnrollOption func(*Enroller)

// WithRegistrar replaces the go-webauthn registrar.
func WithRegistrar(r Registrar) EnrollOption {
	return func(e *Enroller) { e.registrar = r }
}

// WithEnrollOpener replaces the system browser opener.
func WithEnrollOpener(o BrowserOpener) EnrollOption {
	return func(e *Enroller) { e.opener = o }
}

// WithEnrollTimeout aborts enrollment after d. Zero waits forever.
func WithEnrollTimeout(d time.Duration) EnrollOption {
	return func(e *Enroller) { e.timeout = d }
}

// NewEnroller builds an enroller that stores credentials in creds.
func NewEnroller(creds credential.Store, logger *slog.Logger, opts ...EnrollOption) (*Enroller, error) {
	tmpl, err := template.ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse enrollment templates: %w", err)
	}
	e := &Enroller{
		credentials: creds,
		registrar:   NewWebAuthn(),
		opener:      SystemOpener{},
		listenAddr:  DefaultListenAddr,
		tmpl:        tmpl,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Enroll opens the enrollment page and blocks until a credential is
// stored, the timeout elapses, or ctx ends.
func (e *Enroller) Enroll(ctx context.Context) (credential.StoredCredential, error) {
	l, err := listen(e.listenAddr, e.logger)
	if err != nil {
		return credential.StoredCredential{}, err
	}
	h := &enrollHandler{
		enroller: e,
		origin:   l.origin,
		done:     make(chan credential.StoredCredential, 1),
	}
	stop := l.serve(h.routes())
	defer stop()

	url := l.origin + "/enroll"
	e.logger.Info("waiting for passkey enrollment", "url", url)
	if err := e.opener.Open(url); err != nil {
		e.logger.Warn("failed to open browser, visit the enrollment URL manually", "url", url, "error", err)
	}

	var expired <-chan time.Time
	if e.timeout > 0 {
		timer := time.NewTimer(e.timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case cred := <-h.done:
		return cred, nil
	case <-expired:
		return credential.StoredCredential{}, fmt.Errorf("enrollment timed out after %s", e.timeout)
	case <-ctx.Done():
		return credential.StoredCredential{}, ctx.Err()
	}
}

type enrollHandler struct {
	enroller *Enroller
	origin   string
	done     chan credential.StoredCredential

	mu       sync.Mutex
	session  *webauthn.SessionData
	finished bool
}

func (h *enrollHandler) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /static/", http.FileServer(http.FS(staticFS)))
	mux.HandleFunc("GET /enroll", h.page)
	mux.HandleFunc("GET /enroll/options", h.options)
	mux.HandleFunc("POST /enroll/verify", h.verify)
	return mux
}

func (h *enrollHandler) page(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := h.enroller.tmpl.ExecuteTemplate(w, "enroll.html", nil); err != nil {
		h.enroller.logger.Error("failed to render enrollment page", "error", err)
	}
}

func (h *enrollHandler) options(w http.ResponseWriter, r *http.Request) {
	logger := h.enroller.logger
	existing, err := h.enroller.credentials.List(r.Context())
	if err != nil {
		logger.Error("failed to load credentials", "error", err)
		respondError(logger, w, http.StatusInternalServerError, "Failed to load credentials")
		return
	}
	options, session, err := h.enroller.registrar.BeginRegistration(h.origin, existing)
	if err != nil {
		logger.Error("failed to begin registration", "error", err)
		respondError(logger, w, http.StatusInternalServerError, "Failed to start registration")
		return
	}

	h.mu.Lock()
	h.session = session
	h.mu.Unlock()

	respondJSON(logger, w, http.StatusOK, options)
}

func (h *enrollHandler) verify(w http.ResponseWriter, r *http.Request) {
	logger := h.enroller.logger
	var body json.RawMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		respondError(logger, w, http.StatusBadRequest, msgInvalidRequest)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.finished {
		respondError(logger, w, http.StatusConflict, "Enrollment already completed")
		return
	}
	session := h.session
	h.session = nil
	if session == nil {
		respondError(logger, w, http.StatusBadRequest, msgNoChallenge)
		return
	}

	existing, err := h.enroller.credentials.List(r.Context())
	if err != nil {
		logger.Error("failed to load credentials", "error", err)
		respondError(logger, w, http.StatusInternalServerError, "Failed to load credentials")
		return
	}
	cred, err := h.enroller.registrar.FinishRegistration(h.origin, session, existing, body)
	if err != nil {
		logger.Warn("passkey registration failed", "error", err)
		respondError(logger, w, http.StatusBadRequest, msgVerifyFailed)
		return
	}
	if err := h.enroller.credentials.Add(r.Context(), cred); err != nil {
		logger.Error("failed to save credential", "error", err)
		respondError(logger, w, http.StatusInternalServerError, "Failed to save credential")
		return
	}

	h.finished = true
	h.done <- cred
	logger.Info("passkey enrolled", "credential_id", cred.CredentialID)
	respondJSON(logger, w, http.StatusOK, map[string]bool{"ok": true})
}
