package model

import (
	"time"
)

// KeyStatus is the lifecycle state of an encryption key.
type KeyStatus string

const (
	KeyStatusCreated    KeyStatus = "created"
	KeyStatusActive     KeyStatus = "active"
	KeyStatusRetired    KeyStatus = "retired"
	KeyStatusDeprecated KeyStatus = "deprecated"
)

// keyTransitions lists the explicit transitions allowed for each state.
// Active -> Retired also happens implicitly when another key is activated.
var keyTransitions = map[KeyStatus][]KeyStatus{
	KeyStatusCreated:    {KeyStatusActive, KeyStatusRetired},
	KeyStatusActive:     {KeyStatusRetired},
	KeyStatusRetired:    {KeyStatusActive, KeyStatusDeprecated},
	KeyStatusDeprecated: nil,
}

// Valid reports whether s is a known key status.
func (s KeyStatus) Valid() bool {
	_, ok := keyTransitions[s]
	return ok
}

// CanTransitionTo reports whether a key in state s may move to next.
func (s KeyStatus) CanTransitionTo(next KeyStatus) bool {
	for _, allowed := range keyTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// EncryptionKey is a symmetric AEAD key managed by the keyring.
type EncryptionKey struct {
	ID           int64      `json:"id"`
	Version      int        `json:"version"`
	Status       KeyStatus  `json:"status"`
	Algorithm    string     `json:"algorithm"`
	Material     []byte     `json:"-"`
	Description  string     `json:"description,omitempty"`
	CreatedBy    string     `json:"created_by"`
	CreatedAt    time.Time  `json:"created_at"`
	ActivatedAt  *time.Time `json:"activated_at,omitempty"`
	RetiredAt    *time.Time `json:"retired_at,omitempty"`
	DeprecatedAt *time.Time `json:"deprecated_at,omitempty"`
	PurgedAt     *time.Time `json:"purged_at,omitempty"`
}

// HasMaterial reports whether the key material is still present.
func (k *EncryptionKey) HasMaterial() bool {
	return len(k.Material) > 0
}

// Clone returns a deep copy, including the material.
func (k *EncryptionKey) Clone() *EncryptionKey {
	if k == nil {
		return nil
	}
	c := *k
	if k.Material != nil {
		c.Material = append([]byte(nil), k.Material...)
	}
	c.ActivatedAt = cloneTime(k.ActivatedAt)
	c.RetiredAt = cloneTime(k.RetiredAt)
	c.DeprecatedAt = cloneTime(k.DeprecatedAt)
	c.PurgedAt = cloneTime(k.PurgedAt)
	return &c
}

// Redacted returns a copy without key material, safe to hand to callers.
func (k *EncryptionKey) Redacted() *EncryptionKey {
	c := k.Clone()
	if c != nil {
		c.Material = nil
	}
	return c
}

// KeyStats aggregates the images that currently reference a key.
type KeyStats struct {
	KeyID          int64     `json:"key_id"`
	Version        int       `json:"version"`
	Status         KeyStatus `json:"status"`
	ImageCount     int64     `json:"image_count"`
	TotalSizeBytes int64     `json:"total_size_bytes"`
	HasMaterial    bool      `json:"has_material"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
