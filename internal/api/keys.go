package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/kenneth/image-keyring/internal/errs"
	"github.com/kenneth/image-keyring/internal/model"
)

type createKeyRequest struct {
	Description string `json:"description"`
	// Activate makes the new key active right away.
	Activate   bool `json:"activate"`
	AutoRotate bool `json:"auto_rotate"`
}

const maxJSONBody = 1 << 16

// decodeJSON reads an optional JSON body into v. An empty body leaves v
// untouched.
func decodeJSON(r *http.Request, v interface{}) *APIError {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && err != io.EOF {
		return invalid(r.URL.Path, "malformed request body")
	}
	return nil
}

func (h *Handler) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if apiErr := decodeJSON(r, &req); apiErr != nil {
		h.writeAPIError(w, r, apiErr)
		return
	}

	who := actor(r)
	key, err := h.keys.CreateKey(r.Context(), req.Description, who)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !req.Activate {
		h.writeJSON(w, http.StatusCreated, key)
		return
	}

	res, err := h.rotations.ActivateKey(r.Context(), key.ID, who, req.AutoRotate)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, res)
}

func (h *Handler) handleListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.keys.ListKeys(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if keys == nil {
		keys = []*model.EncryptionKey{}
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"keys": keys})
}

func (h *Handler) handleGetActiveKey(w http.ResponseWriter, r *http.Request) {
	key, err := h.keys.GetActiveKey(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if key == nil {
		h.writeAPIError(w, r, &APIError{
			Code:       errs.CategoryNoActiveKey,
			Message:    categoryErrors[errs.CategoryNoActiveKey].message,
			Resource:   r.URL.Path,
			HTTPStatus: http.StatusNotFound,
		})
		return
	}
	h.writeJSON(w, http.StatusOK, key)
}

func (h *Handler) handleGetKey(w http.ResponseWriter, r *http.Request) {
	kid, apiErr := pathKeyID(r)
	if apiErr != nil {
		h.writeAPIError(w, r, apiErr)
		return
	}
	key, err := h.keys.GetKey(r.Context(), kid)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, key)
}

func (h *Handler) handleKeyStats(w http.ResponseWriter, r *http.Request) {
	kid, apiErr := pathKeyID(r)
	if apiErr != nil {
		h.writeAPIError(w, r, apiErr)
		return
	}
	stats, err := h.keys.GetKeyStats(r.Context(), kid)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleActivateKey(w http.ResponseWriter, r *http.Request) {
	kid, apiErr := pathKeyID(r)
	if apiErr != nil {
		h.writeAPIError(w, r, apiErr)
		return
	}
	autoRotate := false
	if raw := r.URL.Query().Get("auto_rotate"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			h.writeAPIError(w, r, invalid(r.URL.Path, "invalid auto_rotate %q", raw))
			return
		}
		autoRotate = v
	}

	res, err := h.rotations.ActivateKey(r.Context(), kid, actor(r), autoRotate)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// keyTransition serves retire, deprecate and purge, which share a shape.
func (h *Handler) keyTransition(fn func(ctx context.Context, kid int64, actor string) (*model.EncryptionKey, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kid, apiErr := pathKeyID(r)
		if apiErr != nil {
			h.writeAPIError(w, r, apiErr)
			return
		}
		key, err := fn(r.Context(), kid, actor(r))
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		h.writeJSON(w, http.StatusOK, key)
	}
}

func (h *Handler) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	kid, apiErr := pathKeyID(r)
	if apiErr != nil {
		h.writeAPIError(w, r, apiErr)
		return
	}
	if err := h.keys.DeleteKey(r.Context(), kid, actor(r)); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
