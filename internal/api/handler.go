package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/image-keyring/internal/audit"
	"github.com/kenneth/image-keyring/internal/errs"
	"github.com/kenneth/image-keyring/internal/imagecrypt"
	"github.com/kenneth/image-keyring/internal/keyring"
	"github.com/kenneth/image-keyring/internal/metrics"
	"github.com/kenneth/image-keyring/internal/middleware"
	"github.com/kenneth/image-keyring/internal/model"
	"github.com/kenneth/image-keyring/internal/rotation"
)

// DefaultActor is recorded when a request carries no X-Actor header.
const DefaultActor = "anonymous"

// KeyService is the key lifecycle surface served under /v1/keys.
type KeyService interface {
	CreateKey(ctx context.Context, description, actor string) (*model.EncryptionKey, error)
	RetireKey(ctx context.Context, kid int64, actor string) (*model.EncryptionKey, error)
	DeprecateKey(ctx context.Context, kid int64, actor string) (*model.EncryptionKey, error)
	PurgeKeyMaterial(ctx context.Context, kid int64, actor string) (*model.EncryptionKey, error)
	DeleteKey(ctx context.Context, kid int64, actor string) error
	GetActiveKey(ctx context.Context) (*model.EncryptionKey, error)
	GetKey(ctx context.Context, kid int64) (*model.EncryptionKey, error)
	ListKeys(ctx context.Context) ([]*model.EncryptionKey, error)
	GetKeyStats(ctx context.Context, kid int64) (*model.KeyStats, error)
}

// RotationService starts, observes and cancels rotations. Key activation
// goes through it so an activation can start a follow-up rotation.
type RotationService interface {
	ActivateKey(ctx context.Context, kid int64, actor string, autoRotate bool) (*rotation.ActivationResult, error)
	StartRotation(ctx context.Context, req rotation.StartRequest) (*model.RotationOperation, error)
	CancelRotation(ctx context.Context, id uuid.UUID, actor string) (bool, error)
	GetRotation(ctx context.Context, id uuid.UUID) (*model.RotationOperation, error)
	ListRotations(ctx context.Context) ([]*model.RotationOperation, error)
	ListFailures(ctx context.Context, id uuid.UUID) ([]model.RotationFailure, error)
	GetRotationProgress(ctx context.Context, id uuid.UUID) (*rotation.Progress, error)
	Subscribe(ctx context.Context, id uuid.UUID) (<-chan rotation.Progress, func(), error)
}

// ImageService stores, serves and re-encrypts images.
type ImageService interface {
	StoreImage(ctx context.Context, id, contentType string, r io.Reader) (*model.ImageRef, error)
	ImportImage(ctx context.Context, id, contentType string, r io.Reader) (*model.ImageRef, error)
	OpenImage(ctx context.Context, id string) (io.Reader, *model.ImageRef, error)
	GetImage(ctx context.Context, id string) (*model.ImageRef, error)
	VerifyImage(ctx context.Context, id string) (*model.ImageRef, error)
	EncryptExistingImage(ctx context.Context, imageID string, kid int64) (*model.ImageRef, error)
	ReEncryptImage(ctx context.Context, imageID string, newKid int64) (*model.ImageRef, error)
}

// Pinger reports whether a backend is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options configures a Handler.
type Options struct {
	Keys      KeyService
	Rotations RotationService
	Images    ImageService
	// Ready lists the backends checked by /ready.
	Ready         map[string]Pinger
	Audit         audit.Logger
	Metrics       *metrics.Metrics
	Logger        *logrus.Logger
	MaxImageBytes int64
	// Heartbeat is the idle interval between SSE comments on progress
	// streams. Zero means 15s.
	Heartbeat time.Duration
}

// Handler serves the admin and image API.
type Handler struct {
	keys          KeyService
	rotations     RotationService
	images        ImageService
	ready         map[string]Pinger
	auditLogger   audit.Logger
	metrics       *metrics.Metrics
	logger        *logrus.Logger
	maxImageBytes int64
	heartbeat     time.Duration
}

// NewHandler creates a handler.
func NewHandler(opts Options) *Handler {
	h := &Handler{
		keys:          opts.Keys,
		rotations:     opts.Rotations,
		images:        opts.Images,
		ready:         opts.Ready,
		auditLogger:   opts.Audit,
		metrics:       opts.Metrics,
		logger:        opts.Logger,
		maxImageBytes: opts.MaxImageBytes,
		heartbeat:     opts.Heartbeat,
	}
	if h.logger == nil {
		h.logger = logrus.StandardLogger()
	}
	if h.heartbeat <= 0 {
		h.heartbeat = 15 * time.Second
	}
	return h
}

// RegisterRoutes registers all API routes.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", h.instrument("/health", h.handleHealth)).Methods(http.MethodGet)
	r.HandleFunc("/ready", h.instrument("/ready", h.handleReady)).Methods(http.MethodGet)
	if h.metrics != nil {
		r.Handle("/metrics", h.metrics.Handler()).Methods(http.MethodGet)
	}

	v1 := r.PathPrefix("/v1").Subrouter()

	v1.HandleFunc("/keys", h.instrument("/v1/keys", h.handleCreateKey)).Methods(http.MethodPost)
	v1.HandleFunc("/keys", h.instrument("/v1/keys", h.handleListKeys)).Methods(http.MethodGet)
	v1.HandleFunc("/keys/active", h.instrument("/v1/keys/active", h.handleGetActiveKey)).Methods(http.MethodGet)
	v1.HandleFunc("/keys/{kid:[0-9]+}", h.instrument("/v1/keys/{kid}", h.handleGetKey)).Methods(http.MethodGet)
	v1.HandleFunc("/keys/{kid:[0-9]+}", h.instrument("/v1/keys/{kid}", h.handleDeleteKey)).Methods(http.MethodDelete)
	v1.HandleFunc("/keys/{kid:[0-9]+}/stats", h.instrument("/v1/keys/{kid}/stats", h.handleKeyStats)).Methods(http.MethodGet)
	v1.HandleFunc("/keys/{kid:[0-9]+}/activate", h.instrument("/v1/keys/{kid}/activate", h.handleActivateKey)).Methods(http.MethodPost)
	v1.HandleFunc("/keys/{kid:[0-9]+}/retire", h.instrument("/v1/keys/{kid}/retire", h.keyTransition(h.keys.RetireKey))).Methods(http.MethodPost)
	v1.HandleFunc("/keys/{kid:[0-9]+}/deprecate", h.instrument("/v1/keys/{kid}/deprecate", h.keyTransition(h.keys.DeprecateKey))).Methods(http.MethodPost)
	v1.HandleFunc("/keys/{kid:[0-9]+}/purge", h.instrument("/v1/keys/{kid}/purge", h.keyTransition(h.keys.PurgeKeyMaterial))).Methods(http.MethodPost)

	v1.HandleFunc("/rotations", h.instrument("/v1/rotations", h.handleStartRotation)).Methods(http.MethodPost)
	v1.HandleFunc("/rotations", h.instrument("/v1/rotations", h.handleListRotations)).Methods(http.MethodGet)
	v1.HandleFunc("/rotations/{id}", h.instrument("/v1/rotations/{id}", h.handleGetRotation)).Methods(http.MethodGet)
	v1.HandleFunc("/rotations/{id}/progress", h.instrument("/v1/rotations/{id}/progress", h.handleRotationProgress)).Methods(http.MethodGet)
	v1.HandleFunc("/rotations/{id}/failures", h.instrument("/v1/rotations/{id}/failures", h.handleRotationFailures)).Methods(http.MethodGet)
	v1.HandleFunc("/rotations/{id}/cancel", h.instrument("/v1/rotations/{id}/cancel", h.handleCancelRotation)).Methods(http.MethodPost)
	v1.HandleFunc("/rotations/{id}/stream", h.instrument("/v1/rotations/{id}/stream", h.handleRotationStream)).Methods(http.MethodGet)

	v1.HandleFunc("/images/{id}", h.instrument("/v1/images/{id}", h.handlePutImage)).Methods(http.MethodPut)
	v1.HandleFunc("/images/{id}", h.instrument("/v1/images/{id}", h.handleGetImage)).Methods(http.MethodGet)
	v1.HandleFunc("/images/{id}/meta", h.instrument("/v1/images/{id}/meta", h.handleImageMeta)).Methods(http.MethodGet)
	v1.HandleFunc("/images/{id}/import", h.instrument("/v1/images/{id}/import", h.handleImportImage)).Methods(http.MethodPut)
	v1.HandleFunc("/images/{id}/encrypt", h.instrument("/v1/images/{id}/encrypt", h.handleEncryptImage)).Methods(http.MethodPost)
	v1.HandleFunc("/images/{id}/verify", h.instrument("/v1/images/{id}/verify", h.handleVerifyImage)).Methods(http.MethodPost)

	if h.auditLogger != nil {
		v1.HandleFunc("/audit", h.instrument("/v1/audit", h.handleAuditEvents)).Methods(http.MethodGet)
	}
}

// instrument records request metrics under the route template so ids do
// not become label values.
func (h *Handler) instrument(route string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		cw := &countingWriter{ResponseWriter: w, status: http.StatusOK}
		fn(cw, r)
		if h.metrics != nil {
			bytes := cw.bytes
			if r.ContentLength > 0 {
				bytes += r.ContentLength
			}
			h.metrics.RecordHTTPRequest(r.Method, route, cw.status, time.Since(start), bytes)
		}
	}
}

type countingWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
	wrote  bool
}

func (w *countingWriter) WriteHeader(code int) {
	if !w.wrote {
		w.status = code
		w.wrote = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *countingWriter) Write(b []byte) (int, error) {
	w.wrote = true
	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)
	return n, err
}

func (w *countingWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// actor returns the caller named by X-Actor.
func actor(r *http.Request) string {
	if a := strings.TrimSpace(r.Header.Get(middleware.ActorHeader)); a != "" {
		return a
	}
	return DefaultActor
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.WithError(err).Debug("Failed to write response body")
	}
}

// writeError translates err and logs it. Server-side failures log at
// error level, caller mistakes at debug.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := TranslateError(err, r.URL.Path)
	apiErr.RequestID = middleware.RequestIDFrom(r.Context())

	fields := logrus.Fields{
		"method":     r.Method,
		"path":       r.URL.Path,
		"status":     apiErr.HTTPStatus,
		"category":   apiErr.Code,
		"request_id": apiErr.RequestID,
	}
	if detail := backendDetail(err); detail != "" {
		fields["backend"] = detail
	}
	entry := h.logger.WithFields(fields)
	if apiErr.HTTPStatus >= http.StatusInternalServerError {
		entry.WithError(err).Error("Request failed")
	} else {
		entry.Debug("Request rejected")
	}
	apiErr.WriteJSON(w)
}

func (h *Handler) writeAPIError(w http.ResponseWriter, r *http.Request, apiErr *APIError) {
	apiErr.RequestID = middleware.RequestIDFrom(r.Context())
	apiErr.WriteJSON(w)
}

func pathKeyID(r *http.Request) (int64, *APIError) {
	raw := mux.Vars(r)["kid"]
	kid, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || kid <= 0 {
		return 0, invalid(r.URL.Path, "invalid key id %q", raw)
	}
	return kid, nil
}

func pathRotationID(r *http.Request) (uuid.UUID, *APIError) {
	raw := mux.Vars(r)["id"]
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, invalid(r.URL.Path, "invalid rotation id %q", raw)
	}
	return id, nil
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type readiness struct {
	Status        string            `json:"status"`
	Checks        map[string]string `json:"checks"`
	ActiveKeyID   int64             `json:"active_key_id,omitempty"`
	ActiveVersion int               `json:"active_key_version,omitempty"`
}

// handleReady pings every backend. A missing active key is reported but
// does not fail readiness: decrypts and rotations still work without one.
func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := readiness{Status: "ready", Checks: make(map[string]string, len(h.ready))}
	status := http.StatusOK
	for name, p := range h.ready {
		if err := p.Ping(ctx); err != nil {
			resp.Checks[name] = errs.Category(errs.Storage(err))
			resp.Status = "not_ready"
			status = http.StatusServiceUnavailable
			h.logger.WithError(err).WithField("backend", name).Warn("Readiness check failed")
			continue
		}
		resp.Checks[name] = "ok"
	}
	if k, err := h.keys.GetActiveKey(ctx); err == nil && k != nil {
		resp.ActiveKeyID = k.ID
		resp.ActiveVersion = k.Version
	} else if err == nil {
		resp.Checks["active_key"] = errs.CategoryNoActiveKey
	}
	h.writeJSON(w, status, resp)
}

func (h *Handler) handleAuditEvents(w http.ResponseWriter, r *http.Request) {
	events := h.auditLogger.Events()
	if t := r.URL.Query().Get("type"); t != "" {
		filtered := events[:0:0]
		for _, e := range events {
			if string(e.EventType) == t {
				filtered = append(filtered, e)
			}
		}
		events = filtered
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.writeAPIError(w, r, invalid(r.URL.Path, "invalid limit %q", raw))
			return
		}
		if n < len(events) {
			events = events[len(events)-n:]
		}
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

var (
	_ KeyService      = (*keyring.Manager)(nil)
	_ RotationService = (*rotation.Engine)(nil)
	_ ImageService    = (*imagecrypt.Service)(nil)
)
