// ABOUTME: Store interface and data models for persisted console state.
// ABOUTME: Implemented by SQLiteStore and MockStore.

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// PendingSetup is a guided setup waiting to be applied to an agent.
type PendingSetup struct {
	Scope     string // gateway the agent lives on
	AgentID   string
	AgentName string
	Setup     []byte // JSON-encoded setup
	Attempts  int
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store persists pending setups.
type Store interface {
	// SavePendingSetup inserts or replaces the pending setup for (Scope, AgentID).
	SavePendingSetup(ctx context.Context, p *PendingSetup) error
	GetPendingSetup(ctx context.Context, scope, agentID string) (*PendingSetup, error)
	// ListPendingSetups returns pending setups for scope, oldest first.
	ListPendingSetups(ctx context.Context, scope string) ([]*PendingSetup, error)
	DeletePendingSetup(ctx context.Context, scope, agentID string) error
	// RecordSetupAttempt increments Attempts and stores errMsg as LastError.
	RecordSetupAttempt(ctx context.Context, scope, agentID, errMsg string) error
	Close() error
}
