package tunnel

import (
	"context"
	"errors"
	"fmt"

	"github.com/knrog/knrog/internal/account"
	"github.com/knrog/knrog/internal/names"
)

// Close codes sent when a tunnel connection is rejected at admission. The CLI
// maps these to user-facing messages, so each gate has its own code.
const (
	CloseMissingCredential = 4001
	CloseInvalidCredential = 4002
	CloseConnectionLimit   = 4003
	CloseBandwidthLimit    = 4004
	CloseSubdomainConflict = 4005
	CloseReuseForbidden    = 4006
	CloseDomainLimit       = 4007
	CloseClaimFailed       = 4008
)

// maxNameAttempts bounds random subdomain generation; beyond this the store
// is either full or unreachable and the claim is reported as failed.
const maxNameAttempts = 16

// RejectionError carries the close code for a failed admission gate.
type RejectionError struct {
	Code   int
	Reason string
}

func (e *RejectionError) Error() string { return e.Reason }

func reject(code int, reason string) *RejectionError {
	return &RejectionError{Code: code, Reason: reason}
}

// admit runs the admission gates in order and returns the subdomain the
// session will serve. Nothing is registered on failure.
func (m *Manager) admit(ctx context.Context, apiKey, requested string) (string, account.User, *RejectionError) {
	var none account.User
	if apiKey == "" {
		return "", none, reject(CloseMissingCredential, "missing credential")
	}
	user, found, err := m.backend.Users.ResolveByCredential(ctx, apiKey)
	if err != nil {
		return "", none, reject(CloseInvalidCredential, fmt.Sprintf("credential lookup failed: %v", err))
	}
	if !found {
		return "", none, reject(CloseInvalidCredential, "invalid credential")
	}
	limits, err := m.backend.Plans.Limits(ctx, user.ID)
	if err != nil {
		return "", none, reject(CloseInvalidCredential, fmt.Sprintf("plan lookup failed: %v", err))
	}
	if m.reg.CountForOwner(user.ID) >= limits.MaxConnections {
		return "", none, reject(CloseConnectionLimit, fmt.Sprintf("connection limit reached (%d)", limits.MaxConnections))
	}
	withinLimit, err := m.backend.Plans.BandwidthWithinLimit(ctx, user.ID)
	if err != nil {
		return "", none, reject(CloseBandwidthLimit, fmt.Sprintf("bandwidth check failed: %v", err))
	}
	if !withinLimit {
		return "", none, reject(CloseBandwidthLimit, "bandwidth limit reached")
	}

	subdomain, rej := m.resolveSubdomain(ctx, user, requested, limits)
	if rej != nil {
		return "", none, rej
	}
	return subdomain, user, nil
}

// resolveSubdomain applies the subdomain rules: validate an explicit request
// against ownership and capacity, or reuse/mint when none was requested.
func (m *Manager) resolveSubdomain(ctx context.Context, user account.User, requested string, limits account.PlanLimits) (string, *RejectionError) {
	if requested != "" {
		rec, found, err := m.backend.Domains.Find(ctx, requested)
		if err != nil {
			return "", reject(CloseClaimFailed, fmt.Sprintf("domain lookup failed: %v", err))
		}
		if found && rec.OwnerID != user.ID {
			return "", reject(CloseReuseForbidden, fmt.Sprintf("subdomain %s belongs to another user", requested))
		}
		if m.reg.Live(requested) {
			return "", reject(CloseSubdomainConflict, fmt.Sprintf("subdomain %s already has a live tunnel", requested))
		}
		if !found {
			owned, err := m.backend.Domains.List(ctx, user.ID)
			if err != nil {
				return "", reject(CloseClaimFailed, fmt.Sprintf("domain listing failed: %v", err))
			}
			if len(owned) >= limits.MaxDomains {
				return "", reject(CloseDomainLimit, fmt.Sprintf("domain limit reached (%d)", limits.MaxDomains))
			}
			if err := m.backend.Domains.Claim(ctx, requested, user.ID); err != nil {
				if errors.Is(err, account.ErrDomainTaken) {
					return "", reject(CloseClaimFailed, fmt.Sprintf("subdomain %s was claimed concurrently", requested))
				}
				return "", reject(CloseClaimFailed, fmt.Sprintf("claim failed: %v", err))
			}
		}
		return requested, nil
	}

	owned, err := m.backend.Domains.List(ctx, user.ID)
	if err != nil {
		return "", reject(CloseClaimFailed, fmt.Sprintf("domain listing failed: %v", err))
	}
	if len(owned) >= limits.MaxDomains {
		// At capacity: fall back to the user's oldest domain.
		oldest := owned[0].Subdomain
		if m.reg.Live(oldest) {
			return "", reject(CloseSubdomainConflict, fmt.Sprintf("subdomain %s already has a live tunnel", oldest))
		}
		return oldest, nil
	}
	for attempt := 0; attempt < maxNameAttempts; attempt++ {
		candidate := names.Random()
		_, found, err := m.backend.Domains.Find(ctx, candidate)
		if err != nil {
			return "", reject(CloseClaimFailed, fmt.Sprintf("domain lookup failed: %v", err))
		}
		if found || m.reg.Live(candidate) {
			continue
		}
		if err := m.backend.Domains.Claim(ctx, candidate, user.ID); err != nil {
			if errors.Is(err, account.ErrDomainTaken) {
				continue
			}
			return "", reject(CloseClaimFailed, fmt.Sprintf("claim failed: %v", err))
		}
		return candidate, nil
	}
	return "", reject(CloseClaimFailed, "could not generate a free subdomain")
}
