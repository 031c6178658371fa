// Package account defines the contracts the tunnel core calls out to for
// identity, plan limits, domain ownership, and usage recording, together with
// an in-memory backend and a Redis backend.
package account

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrDomainTaken is returned by Claim when the subdomain is persisted
	// under a different owner.
	ErrDomainTaken = errors.New("subdomain owned by another user")
)

// User is the resolved identity behind an API key.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Paid  bool   `json:"paid"`
}

// PlanLimits are the ceilings attached to a user's subscription tier.
type PlanLimits struct {
	MaxConnections    int           `json:"max_connections"`
	MaxDomains        int           `json:"max_domains"`
	MaxBandwidthBytes int64         `json:"max_bandwidth_bytes"`
	LogRetention      time.Duration `json:"log_retention"`
}

// DomainRecord is the persisted ownership of a subdomain, independent of
// whether a session is currently live on it.
type DomainRecord struct {
	Subdomain  string    `json:"subdomain"`
	OwnerID    string    `json:"owner_id"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
}

// RequestLog is one completed public exchange, recorded for paid tunnels.
type RequestLog struct {
	Subdomain  string    `json:"subdomain"`
	OwnerID    string    `json:"owner_id"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	StatusCode int       `json:"status_code"`
	ElapsedMs  int64     `json:"elapsed_ms"`
	At         time.Time `json:"at"`
}

// UserResolver resolves a presented credential to a known user.
type UserResolver interface {
	ResolveByCredential(ctx context.Context, credential string) (User, bool, error)
}

// PlanService answers plan-limit and bandwidth questions for a user.
type PlanService interface {
	Limits(ctx context.Context, userID string) (PlanLimits, error)
	BandwidthWithinLimit(ctx context.Context, userID string) (bool, error)
	AddBandwidth(ctx context.Context, userID string, n int64) error
}

// DomainStore persists subdomain ownership.
type DomainStore interface {
	Find(ctx context.Context, subdomain string) (DomainRecord, bool, error)
	// Claim persists ownership of subdomain for userID. It must be atomic:
	// of two concurrent claims for a free name exactly one succeeds, the
	// other gets ErrDomainTaken.
	Claim(ctx context.Context, subdomain, userID string) error
	// List returns the user's domains ordered by creation, oldest first.
	List(ctx context.Context, userID string) ([]DomainRecord, error)
	TouchLastUsed(ctx context.Context, subdomain string) error
}

// UsageRecorder stores completed request logs.
type UsageRecorder interface {
	RecordRequest(ctx context.Context, entry RequestLog) error
}

// Backend bundles one implementation of every collaborator.
type Backend struct {
	Users   UserResolver
	Plans   PlanService
	Domains DomainStore
	Usage   UsageRecorder
}

// FreePlan and PaidPlan are the two shipped tiers.
var (
	FreePlan = PlanLimits{MaxConnections: 1, MaxDomains: 1, MaxBandwidthBytes: 1 << 30, LogRetention: 0}
	PaidPlan = PlanLimits{MaxConnections: 5, MaxDomains: 10, MaxBandwidthBytes: 50 << 30, LogRetention: 7 * 24 * time.Hour}
)
