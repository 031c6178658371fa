// Package registry is the single source of truth for which subdomains have a
// live tunnel attached. One process, one registry; the gateway routes against
// it and the connection manager registers into it.
package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/knrog/knrog/internal/obs"
	"github.com/knrog/knrog/internal/proto"
)

// ErrSubdomainLive is returned by Register when the subdomain already has a
// live session. One live session per subdomain at a time.
var ErrSubdomainLive = errors.New("subdomain already has a live tunnel")

// ErrOwnerAtCapacity is returned by RegisterWithinLimit when the owner already
// holds their plan's worth of live tunnels.
var ErrOwnerAtCapacity = errors.New("connection limit reached")

// Tunnel is one admitted client session. The Sender is exclusively owned by
// the registry entry; Subdomain never changes for the session's lifetime.
type Tunnel struct {
	Subdomain   string
	Sender      proto.Sender
	OwnerID     string
	Paid        bool
	ConnectedAt time.Time
}

type Registry struct {
	mu      sync.Mutex
	tunnels map[string]*Tunnel
}

func New() *Registry {
	return &Registry{tunnels: make(map[string]*Tunnel)}
}

// Register claims the subdomain for t. The check and the insert happen under
// one lock so two admissions racing for the same name cannot both win.
func (r *Registry) Register(t *Tunnel) error {
	return r.RegisterWithinLimit(t, 0)
}

// RegisterWithinLimit claims the subdomain like Register and, when
// maxForOwner is positive, enforces the owner's live-connection cap in the
// same critical section. Admission counts connections before registering, but
// two sessions racing for different subdomains would both pass that check;
// the insert is where the cap actually holds.
func (r *Registry) RegisterWithinLimit(t *Tunnel, maxForOwner int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, live := r.tunnels[t.Subdomain]; live {
		return ErrSubdomainLive
	}
	if maxForOwner > 0 {
		n := 0
		for _, cur := range r.tunnels {
			if cur.OwnerID == t.OwnerID {
				n++
			}
		}
		if n >= maxForOwner {
			return ErrOwnerAtCapacity
		}
	}
	r.tunnels[t.Subdomain] = t
	obs.ActiveTunnels.Set(float64(len(r.tunnels)))
	return nil
}

// Lookup returns the live tunnel for subdomain, if any.
func (r *Registry) Lookup(subdomain string) (*Tunnel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tunnels[subdomain]
	return t, ok
}

// Live reports whether subdomain currently has a session attached.
func (r *Registry) Live(subdomain string) bool {
	_, ok := r.Lookup(subdomain)
	return ok
}

// Remove drops the entry for subdomain. Removal is the only teardown the
// registry performs; in-flight requests are failed by the gateway sweep.
func (r *Registry) Remove(subdomain string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tunnels[subdomain]; !ok {
		return false
	}
	delete(r.tunnels, subdomain)
	obs.ActiveTunnels.Set(float64(len(r.tunnels)))
	return true
}

// CountForOwner returns how many live tunnels the user currently holds, used
// to enforce the plan connection limit at admission.
func (r *Registry) CountForOwner(ownerID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range r.tunnels {
		if t.OwnerID == ownerID {
			n++
		}
	}
	return n
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tunnels)
}

// Snapshot lists the live subdomains for the state endpoint.
func (r *Registry) Snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.tunnels))
	for sub := range r.tunnels {
		out = append(out, sub)
	}
	return out
}
