package account

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryBackend keeps every collaborator in process memory. It is the default
// backend and the one the tests run against.
type MemoryBackend struct {
	mu        sync.Mutex
	byKey     map[string]User // credential -> user
	byID      map[string]User
	domains   map[string]*DomainRecord
	bandwidth map[string]int64
	logs      []RequestLog
	maxLogs   int
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		byKey:     make(map[string]User),
		byID:      make(map[string]User),
		domains:   make(map[string]*DomainRecord),
		bandwidth: make(map[string]int64),
		maxLogs:   1000,
	}
}

// Backend exposes the memory store behind the collaborator interfaces.
func (m *MemoryBackend) Backend() Backend {
	return Backend{Users: m, Plans: m, Domains: m, Usage: m}
}

// AddUser seeds a user reachable via the given API key.
func (m *MemoryBackend) AddUser(apiKey string, u User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byKey[apiKey] = u
	m.byID[u.ID] = u
}

func (m *MemoryBackend) ResolveByCredential(_ context.Context, credential string) (User, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byKey[credential]
	return u, ok, nil
}

func (m *MemoryBackend) Limits(_ context.Context, userID string) (PlanLimits, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.byID[userID]; ok && u.Paid {
		return PaidPlan, nil
	}
	return FreePlan, nil
}

func (m *MemoryBackend) BandwidthWithinLimit(ctx context.Context, userID string) (bool, error) {
	limits, err := m.Limits(ctx, userID)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bandwidth[userID] < limits.MaxBandwidthBytes, nil
}

func (m *MemoryBackend) AddBandwidth(_ context.Context, userID string, n int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bandwidth[userID] += n
	return nil
}

func (m *MemoryBackend) Find(_ context.Context, subdomain string) (DomainRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.domains[subdomain]
	if !ok {
		return DomainRecord{}, false, nil
	}
	return *rec, true, nil
}

func (m *MemoryBackend) Claim(_ context.Context, subdomain, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.domains[subdomain]; ok {
		if rec.OwnerID != userID {
			return ErrDomainTaken
		}
		return nil
	}
	m.domains[subdomain] = &DomainRecord{Subdomain: subdomain, OwnerID: userID, CreatedAt: time.Now()}
	return nil
}

func (m *MemoryBackend) List(_ context.Context, userID string) ([]DomainRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []DomainRecord
	for _, rec := range m.domains {
		if rec.OwnerID == userID {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryBackend) TouchLastUsed(_ context.Context, subdomain string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.domains[subdomain]; ok {
		rec.LastUsedAt = time.Now()
	}
	return nil
}

func (m *MemoryBackend) RecordRequest(_ context.Context, entry RequestLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, entry)
	if len(m.logs) > m.maxLogs {
		m.logs = m.logs[len(m.logs)-m.maxLogs:]
	}
	return nil
}

// Logs returns a copy of the recorded request logs, newest last.
func (m *MemoryBackend) Logs() []RequestLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RequestLog(nil), m.logs...)
}
