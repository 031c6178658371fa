package registry

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/knrog/knrog/internal/proto"
)

type nopSender struct{}

func (nopSender) Send(proto.Frame) error { return nil }

func tun(sub, owner string) *Tunnel {
	return &Tunnel{Subdomain: sub, Sender: nopSender{}, OwnerID: owner}
}

func TestRegisterLookupRemove(t *testing.T) {
	r := New()
	if err := r.Register(tun("meat", "u1")); err != nil {
		t.Fatalf("register: %v", err)
	}
	got, ok := r.Lookup("meat")
	if !ok || got.OwnerID != "u1" {
		t.Fatalf("lookup = %+v, %v", got, ok)
	}
	if !r.Live("meat") {
		t.Fatal("expected live")
	}
	if !r.Remove("meat") {
		t.Fatal("remove should report true")
	}
	if r.Remove("meat") {
		t.Fatal("second remove should report false")
	}
	if r.Live("meat") {
		t.Fatal("expected free after remove")
	}
}

func TestRegisterConflict(t *testing.T) {
	r := New()
	if err := r.Register(tun("meat", "u1")); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(tun("meat", "u2")); err != ErrSubdomainLive {
		t.Fatalf("err = %v, want ErrSubdomainLive", err)
	}
}

func TestConcurrentRegisterSameSubdomain(t *testing.T) {
	r := New()
	var wins int64
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.Register(tun("meat", "u1")) == nil {
				atomic.AddInt64(&wins, 1)
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("wins = %d, want exactly 1", wins)
	}
}

func TestRegisterWithinLimitEnforcesCap(t *testing.T) {
	r := New()
	if err := r.RegisterWithinLimit(tun("a", "u1"), 1); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.RegisterWithinLimit(tun("b", "u1"), 1); err != ErrOwnerAtCapacity {
		t.Fatalf("err = %v, want ErrOwnerAtCapacity", err)
	}
	if err := r.RegisterWithinLimit(tun("c", "u2"), 1); err != nil {
		t.Fatalf("other owner should be unaffected: %v", err)
	}
	r.Remove("a")
	if err := r.RegisterWithinLimit(tun("b", "u1"), 1); err != nil {
		t.Fatalf("register after remove: %v", err)
	}
}

func TestConcurrentRegisterHonorsOwnerCap(t *testing.T) {
	// Distinct subdomains, one owner: the subdomain check alone would admit
	// all of them, the cap must hold under the same lock.
	r := New()
	var wins int64
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		sub := fmt.Sprintf("sub-%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.RegisterWithinLimit(tun(sub, "u1"), 2) == nil {
				atomic.AddInt64(&wins, 1)
			}
		}()
	}
	wg.Wait()
	if wins != 2 {
		t.Fatalf("wins = %d, want exactly 2", wins)
	}
}

func TestCountForOwner(t *testing.T) {
	r := New()
	_ = r.Register(tun("a", "u1"))
	_ = r.Register(tun("b", "u1"))
	_ = r.Register(tun("c", "u2"))
	if n := r.CountForOwner("u1"); n != 2 {
		t.Fatalf("u1 count = %d, want 2", n)
	}
	if n := r.CountForOwner("u3"); n != 0 {
		t.Fatalf("u3 count = %d, want 0", n)
	}
	if n := r.Len(); n != 3 {
		t.Fatalf("len = %d, want 3", n)
	}
}
