// Package docstore holds the authoritative records that synchronization
// projects into the embedding index. The store is the source of truth;
// index partitions are a derived cache of its content.
package docstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrStoreUnavailable indicates the backing store cannot be reached.
	ErrStoreUnavailable = errors.New("record store unavailable")
)

// Record is a unit of authoritative content scoped to a tenant and project.
type Record struct {
	ID          string
	TenantID    string
	ProjectID   string
	Text        string
	Fingerprint string
	UpdatedAt   time.Time
}

// Fingerprint computes a content fingerprint over the record text and its
// mutation timestamp. Two records with equal fingerprints are identical
// for synchronization purposes.
func Fingerprint(text string, updatedAt time.Time) string {
	h := sha256.New()
	h.Write([]byte(text))
	h.Write([]byte{0})
	h.Write([]byte(updatedAt.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(h.Sum(nil))
}

// Store is the authoritative record store.
type Store interface {
	// ListRecords returns every record in the given tenant/project scope.
	ListRecords(ctx context.Context, tenantID, projectID string) ([]Record, error)
	// GetRecord returns a single record by ID. Returns ErrNotFound if absent.
	GetRecord(ctx context.Context, id string) (*Record, error)
	// PutRecord inserts or replaces a record, refreshing its fingerprint.
	PutRecord(ctx context.Context, rec Record) error
	// DeleteRecord removes a record. Deleting an absent record is not an error.
	DeleteRecord(ctx context.Context, id string) error
	// Close releases store resources.
	Close() error
}
