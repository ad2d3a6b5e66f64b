// Package storage defines persistence contracts for pairing codes.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates a requested code is not registered.
var ErrNotFound = errors.New("record not found")

// ErrCodeTaken indicates a code is already bound to another token.
var ErrCodeTaken = errors.New("code already registered")

// ConnectionInfo binds a short human-entered code to the token a sender must
// present. Records are immutable once stored.
type ConnectionInfo struct {
	Token     string
	Code      string
	Address   string
	Port      int
	Directory string
	Note      string
	CreatedAt time.Time
}

// ConnectionStore persists pairing codes.
type ConnectionStore interface {
	// PutConnection stores info, failing with ErrCodeTaken when the code exists.
	PutConnection(ctx context.Context, info ConnectionInfo) error
	// GetConnection returns the record for code or ErrNotFound.
	GetConnection(ctx context.Context, code string) (ConnectionInfo, error)
	Close() error
}
