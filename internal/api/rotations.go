package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/kenneth/image-keyring/internal/errs"
	"github.com/kenneth/image-keyring/internal/model"
	"github.com/kenneth/image-keyring/internal/rotation"
)

type startRotationRequest struct {
	FromKeyID *int64 `json:"from_key_id,omitempty"`
	ToKeyID   int64  `json:"to_key_id"`
	BatchSize int    `json:"batch_size,omitempty"`
}

func (h *Handler) handleStartRotation(w http.ResponseWriter, r *http.Request) {
	var req startRotationRequest
	if apiErr := decodeJSON(r, &req); apiErr != nil {
		h.writeAPIError(w, r, apiErr)
		return
	}
	if req.ToKeyID <= 0 {
		h.writeAPIError(w, r, invalid(r.URL.Path, "to_key_id is required"))
		return
	}
	if req.BatchSize < 0 {
		h.writeAPIError(w, r, invalid(r.URL.Path, "batch_size must not be negative"))
		return
	}

	op, err := h.rotations.StartRotation(r.Context(), rotation.StartRequest{
		FromKeyID: req.FromKeyID,
		ToKeyID:   req.ToKeyID,
		BatchSize: req.BatchSize,
		Actor:     actor(r),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/rotations/"+op.ID.String())
	h.writeJSON(w, http.StatusAccepted, op)
}

func (h *Handler) handleListRotations(w http.ResponseWriter, r *http.Request) {
	ops, err := h.rotations.ListRotations(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := ops[:0:0]
		for _, op := range ops {
			if string(op.Status) == status {
				filtered = append(filtered, op)
			}
		}
		ops = filtered
	}
	if ops == nil {
		ops = []*model.RotationOperation{}
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"rotations": ops})
}

func (h *Handler) handleGetRotation(w http.ResponseWriter, r *http.Request) {
	id, apiErr := pathRotationID(r)
	if apiErr != nil {
		h.writeAPIError(w, r, apiErr)
		return
	}
	op, err := h.rotations.GetRotation(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, op)
}

func (h *Handler) handleRotationProgress(w http.ResponseWriter, r *http.Request) {
	id, apiErr := pathRotationID(r)
	if apiErr != nil {
		h.writeAPIError(w, r, apiErr)
		return
	}
	p, err := h.rotations.GetRotationProgress(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, p)
}

func (h *Handler) handleRotationFailures(w http.ResponseWriter, r *http.Request) {
	id, apiErr := pathRotationID(r)
	if apiErr != nil {
		h.writeAPIError(w, r, apiErr)
		return
	}
	failures, err := h.rotations.ListFailures(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if failures == nil {
		failures = []model.RotationFailure{}
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"failures": failures})
}

func (h *Handler) handleCancelRotation(w http.ResponseWriter, r *http.Request) {
	id, apiErr := pathRotationID(r)
	if apiErr != nil {
		h.writeAPIError(w, r, apiErr)
		return
	}
	accepted, err := h.rotations.CancelRotation(r.Context(), id, actor(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	op, err := h.rotations.GetRotation(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	status := http.StatusAccepted
	if !accepted {
		status = http.StatusOK
	}
	h.writeJSON(w, status, map[string]interface{}{
		"cancel_accepted": accepted,
		"rotation":        op,
	})
}

// handleRotationStream serves progress as server-sent events. Every
// snapshot is a "progress" event; the stream ends after the terminal one.
func (h *Handler) handleRotationStream(w http.ResponseWriter, r *http.Request) {
	id, apiErr := pathRotationID(r)
	if apiErr != nil {
		h.writeAPIError(w, r, apiErr)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeAPIError(w, r, &APIError{
			Code:       errs.CategoryInternal,
			Message:    "streaming unsupported",
			Resource:   r.URL.Path,
			HTTPStatus: http.StatusInternalServerError,
		})
		return
	}

	ch, cancel, err := h.rotations.Subscribe(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	var seq int64
	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case p, open := <-ch:
			if !open {
				return
			}
			seq++
			if err := writeEvent(w, seq, p); err != nil {
				h.logger.WithError(err).WithField("rotation_id", id).Debug("Progress stream closed")
				return
			}
			flusher.Flush()
			if p.Status.Terminal() {
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, seq int64, p rotation.Progress) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: progress\ndata: %s\n\n", seq, data)
	return err
}
