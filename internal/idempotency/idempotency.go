// Package idempotency stores the responses of client-keyed requests so a
// retried POST /orders replays the original result instead of opening a
// second order.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

var (
	// ErrKeyNotFound is returned when an idempotency key is not found.
	ErrKeyNotFound = errors.New("idempotency key not found")

	// ErrKeyExists is returned when attempting to store a duplicate key.
	ErrKeyExists = errors.New("idempotency key already exists")

	// ErrInvalidKey is returned when the key is empty or contains control characters.
	ErrInvalidKey = errors.New("invalid idempotency key")

	// ErrKeyTooLong is returned when the key exceeds MaxKeyLength.
	ErrKeyTooLong = errors.New("idempotency key exceeds maximum length of 64 characters")
)

// MaxKeyLength is the maximum allowed length for an idempotency key.
const MaxKeyLength = 64

// DefaultExpiry is how long a stored response is replayable.
const DefaultExpiry = 24 * time.Hour

// Record is a stored response for one idempotency key.
type Record struct {
	Key          string
	Method       string
	Route        string
	OrderID      string // empty when the response carried no order
	StatusCode   int
	ResponseBody string
	ResponseHash string
	CreatedAt    time.Time
}

// ValidateKey checks an Idempotency-Key header value.
func ValidateKey(key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	if len(key) > MaxKeyLength {
		return ErrKeyTooLong
	}
	for _, c := range key {
		if c < 0x21 || c > 0x7e {
			return ErrInvalidKey
		}
	}
	return nil
}

// HashResponse returns the hex SHA-256 of a response body.
func HashResponse(body string) string {
	sum := sha256.Sum256([]byte(body))
	return hex.EncodeToString(sum[:])
}

// Repository persists idempotency records.
type Repository interface {
	// Get returns ErrKeyNotFound for unknown keys.
	Get(ctx context.Context, key string) (*Record, error)
	// Store returns ErrKeyExists when the key was stored concurrently.
	Store(ctx context.Context, rec *Record) error
	// DeleteOlderThan removes records created before now-age.
	DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error)
}
