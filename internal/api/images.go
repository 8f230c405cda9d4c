package api

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/kenneth/image-keyring/internal/errs"
	"github.com/kenneth/image-keyring/internal/model"
)

const defaultContentType = "application/octet-stream"

// imageMeta is the caller-facing view of an image row. Locators, IVs and
// tags stay internal.
type imageMeta struct {
	ID              string `json:"id"`
	ContentType     string `json:"content_type,omitempty"`
	SizeBytes       int64  `json:"size_bytes"`
	IsEncrypted     bool   `json:"is_encrypted"`
	EncryptionKeyID int64  `json:"encryption_key_id,omitempty"`
	Revision        int64  `json:"revision"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
}

func metaOf(img *model.ImageRef) imageMeta {
	return imageMeta{
		ID:              img.ID,
		ContentType:     img.ContentType,
		SizeBytes:       img.SizeBytes,
		IsEncrypted:     img.IsEncrypted,
		EncryptionKeyID: img.EncryptionKeyID,
		Revision:        img.Revision,
		CreatedAt:       img.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt:       img.UpdatedAt.Format(time.RFC3339Nano),
	}
}

// tooLarge rejects uploads whose declared length already exceeds the cap.
// Chunked uploads are capped by the image service while reading.
func (h *Handler) tooLarge(w http.ResponseWriter, r *http.Request) bool {
	if h.maxImageBytes > 0 && r.ContentLength > h.maxImageBytes {
		h.writeAPIError(w, r, &APIError{
			Code:       errs.CategoryInvalid,
			Message:    "image exceeds " + strconv.FormatInt(h.maxImageBytes, 10) + " bytes",
			Resource:   r.URL.Path,
			HTTPStatus: http.StatusRequestEntityTooLarge,
		})
		return true
	}
	return false
}

func contentType(r *http.Request) string {
	if ct := r.Header.Get("Content-Type"); ct != "" {
		return ct
	}
	return defaultContentType
}

func (h *Handler) handlePutImage(w http.ResponseWriter, r *http.Request) {
	if h.tooLarge(w, r) {
		return
	}
	img, err := h.images.StoreImage(r.Context(), mux.Vars(r)["id"], contentType(r), r.Body)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, metaOf(img))
}

func (h *Handler) handleImportImage(w http.ResponseWriter, r *http.Request) {
	if h.tooLarge(w, r) {
		return
	}
	img, err := h.images.ImportImage(r.Context(), mux.Vars(r)["id"], contentType(r), r.Body)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, metaOf(img))
}

// handleGetImage decrypts and serves an image. Decryption completes before
// the first byte is written so a failure is always a clean error response.
func (h *Handler) handleGetImage(w http.ResponseWriter, r *http.Request) {
	body, img, err := h.images.OpenImage(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	ct := img.ContentType
	if ct == "" {
		ct = defaultContentType
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Length", strconv.FormatInt(img.SizeBytes, 10))
	w.Header().Set("Content-Disposition", "attachment")
	if img.IsEncrypted {
		w.Header().Set("X-Encryption-Key-Id", strconv.FormatInt(img.EncryptionKeyID, 10))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		h.logger.WithError(err).WithField("image_id", img.ID).Debug("Image response interrupted")
	}
}

func (h *Handler) handleImageMeta(w http.ResponseWriter, r *http.Request) {
	img, err := h.images.GetImage(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, metaOf(img))
}

// handleEncryptImage encrypts a legacy plaintext image, or re-encrypts an
// encrypted one, under key_id. Without key_id the active key is used.
func (h *Handler) handleEncryptImage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]

	var kid int64
	if raw := r.URL.Query().Get("key_id"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v <= 0 {
			h.writeAPIError(w, r, invalid(r.URL.Path, "invalid key_id %q", raw))
			return
		}
		kid = v
	} else {
		active, err := h.keys.GetActiveKey(ctx)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		if active == nil {
			h.writeError(w, r, errs.ErrNoActiveKey)
			return
		}
		kid = active.ID
	}

	current, err := h.images.GetImage(ctx, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var img *model.ImageRef
	if current.IsEncrypted {
		img, err = h.images.ReEncryptImage(ctx, id, kid)
	} else {
		img, err = h.images.EncryptExistingImage(ctx, id, kid)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, metaOf(img))
}

func (h *Handler) handleVerifyImage(w http.ResponseWriter, r *http.Request) {
	img, err := h.images.VerifyImage(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"verified": true,
		"image":    metaOf(img),
	})
}
