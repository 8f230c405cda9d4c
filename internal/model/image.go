package model

import (
	"fmt"
	"time"
)

// ImageRef is the metadata row of a stored image. The keyring core only reads
// and rewrites its encryption fields.
type ImageRef struct {
	ID              string    `json:"id"`
	StorageKey      string    `json:"storage_key"`
	Locator         string    `json:"locator"`
	ContentType     string    `json:"content_type,omitempty"`
	SizeBytes       int64     `json:"size_bytes"`
	IsEncrypted     bool      `json:"is_encrypted"`
	EncryptionKeyID int64     `json:"encryption_key_id,omitempty"`
	IV              []byte    `json:"iv,omitempty"`
	AuthTag         []byte    `json:"auth_tag,omitempty"`
	Revision        int64     `json:"revision"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the reference.
func (i *ImageRef) Clone() *ImageRef {
	if i == nil {
		return nil
	}
	c := *i
	c.IV = append([]byte(nil), i.IV...)
	c.AuthTag = append([]byte(nil), i.AuthTag...)
	return &c
}

// EncryptionState is the set of fields rewritten together when an image is
// (re-)encrypted.
type EncryptionState struct {
	Locator         string
	IsEncrypted     bool
	EncryptionKeyID int64
	IV              []byte
	AuthTag         []byte
}

// Apply writes the state onto the image, bumps the revision and stamps UpdatedAt.
func (s EncryptionState) Apply(img *ImageRef, now time.Time) {
	img.Locator = s.Locator
	img.IsEncrypted = s.IsEncrypted
	img.EncryptionKeyID = s.EncryptionKeyID
	img.IV = append([]byte(nil), s.IV...)
	img.AuthTag = append([]byte(nil), s.AuthTag...)
	img.Revision++
	img.UpdatedAt = now
}

// LocatorForRevision returns the blob locator for a write producing the given
// revision. token makes concurrent writers of the same revision land on
// distinct blobs; an empty token at revision 0 is the original upload path.
func LocatorForRevision(storageKey string, revision int64, token string) string {
	if token == "" {
		if revision == 0 {
			return storageKey
		}
		return fmt.Sprintf("%s.r%d", storageKey, revision)
	}
	return fmt.Sprintf("%s.r%d.%s", storageKey, revision, token)
}

// ImageFilter selects images for counting and batch claiming.
//
// With KeyID set, only images encrypted under that key match. With KeyID nil
// and ExcludeKeyID set, every encrypted image whose key differs matches.
type ImageFilter struct {
	KeyID        *int64
	ExcludeKeyID int64
	ExcludeIDs   map[string]struct{}
}

// Matches reports whether img satisfies the filter.
func (f ImageFilter) Matches(img *ImageRef) bool {
	if !img.IsEncrypted {
		return false
	}
	if _, skip := f.ExcludeIDs[img.ID]; skip {
		return false
	}
	if f.KeyID != nil {
		return img.EncryptionKeyID == *f.KeyID
	}
	return img.EncryptionKeyID != f.ExcludeKeyID
}
