package account

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/knrog/knrog/internal/obs"
)

// RedisBackend persists users, domain ownership, bandwidth counters, and
// request logs in Redis so they survive server restarts.
//
// Key shapes:
//
//	user:<apiKey>        JSON User
//	domain:<subdomain>   JSON DomainRecord (claimed via SETNX)
//	domains:<userID>     ZSET of subdomains scored by creation unix time
//	bandwidth:<userID>   integer byte counter
//	logs:<userID>        capped LIST of JSON RequestLog, newest first
type RedisBackend struct {
	client  *redis.Client
	maxLogs int64
}

func NewRedisBackend(addr, password string, db int) (*RedisBackend, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &RedisBackend{client: rdb, maxLogs: 1000}, nil
}

// Backend exposes the Redis store behind the collaborator interfaces.
func (r *RedisBackend) Backend() Backend {
	return Backend{Users: r, Plans: r, Domains: r, Usage: r}
}

// AddUser seeds a user record, mainly used by provisioning tooling.
func (r *RedisBackend) AddUser(ctx context.Context, apiKey string, u User) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("marshal user: %w", err)
	}
	if err := r.client.Set(ctx, "user:"+apiKey, data, 0).Err(); err != nil {
		return fmt.Errorf("redis set user: %w", err)
	}
	return r.client.Set(ctx, "userid:"+u.ID, data, 0).Err()
}

func (r *RedisBackend) ResolveByCredential(ctx context.Context, credential string) (User, bool, error) {
	val, err := r.client.Get(ctx, "user:"+credential).Result()
	if err == redis.Nil {
		return User{}, false, nil
	}
	if err != nil {
		return User{}, false, fmt.Errorf("redis get user: %w", err)
	}
	var u User
	if err := json.Unmarshal([]byte(val), &u); err != nil {
		obs.Error("redis.unmarshal_user", obs.Fields{"err": err.Error()})
		return User{}, false, fmt.Errorf("unmarshal user: %w", err)
	}
	return u, true, nil
}

func (r *RedisBackend) Limits(ctx context.Context, userID string) (PlanLimits, error) {
	val, err := r.client.Get(ctx, "userid:"+userID).Result()
	if err == redis.Nil {
		return FreePlan, nil
	}
	if err != nil {
		return PlanLimits{}, fmt.Errorf("redis get user: %w", err)
	}
	var u User
	if err := json.Unmarshal([]byte(val), &u); err != nil {
		return PlanLimits{}, fmt.Errorf("unmarshal user: %w", err)
	}
	if u.Paid {
		return PaidPlan, nil
	}
	return FreePlan, nil
}

func (r *RedisBackend) BandwidthWithinLimit(ctx context.Context, userID string) (bool, error) {
	limits, err := r.Limits(ctx, userID)
	if err != nil {
		return false, err
	}
	used, err := r.client.Get(ctx, "bandwidth:"+userID).Int64()
	if err == redis.Nil {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis get bandwidth: %w", err)
	}
	return used < limits.MaxBandwidthBytes, nil
}

func (r *RedisBackend) AddBandwidth(ctx context.Context, userID string, n int64) error {
	return r.client.IncrBy(ctx, "bandwidth:"+userID, n).Err()
}

func (r *RedisBackend) Find(ctx context.Context, subdomain string) (DomainRecord, bool, error) {
	val, err := r.client.Get(ctx, "domain:"+subdomain).Result()
	if err == redis.Nil {
		return DomainRecord{}, false, nil
	}
	if err != nil {
		return DomainRecord{}, false, fmt.Errorf("redis get domain: %w", err)
	}
	var rec DomainRecord
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return DomainRecord{}, false, fmt.Errorf("unmarshal domain: %w", err)
	}
	return rec, true, nil
}

func (r *RedisBackend) Claim(ctx context.Context, subdomain, userID string) error {
	rec := DomainRecord{Subdomain: subdomain, OwnerID: userID, CreatedAt: time.Now()}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal domain: %w", err)
	}
	// SETNX carries the exclusivity: only the first claimant writes the key.
	ok, err := r.client.SetNX(ctx, "domain:"+subdomain, data, 0).Result()
	if err != nil {
		return fmt.Errorf("redis claim: %w", err)
	}
	if !ok {
		existing, found, err := r.Find(ctx, subdomain)
		if err != nil {
			return err
		}
		if found && existing.OwnerID == userID {
			return nil
		}
		return ErrDomainTaken
	}
	if err := r.client.ZAdd(ctx, "domains:"+userID,
		redis.Z{Score: float64(rec.CreatedAt.Unix()), Member: subdomain}).Err(); err != nil {
		return fmt.Errorf("redis index domain: %w", err)
	}
	return nil
}

func (r *RedisBackend) List(ctx context.Context, userID string) ([]DomainRecord, error) {
	subs, err := r.client.ZRange(ctx, "domains:"+userID, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list domains: %w", err)
	}
	out := make([]DomainRecord, 0, len(subs))
	for _, sub := range subs {
		rec, found, err := r.Find(ctx, sub)
		if err != nil {
			return nil, err
		}
		if found {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r *RedisBackend) TouchLastUsed(ctx context.Context, subdomain string) error {
	rec, found, err := r.Find(ctx, subdomain)
	if err != nil || !found {
		return err
	}
	rec.LastUsedAt = time.Now()
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal domain: %w", err)
	}
	return r.client.Set(ctx, "domain:"+subdomain, data, 0).Err()
}

func (r *RedisBackend) RecordRequest(ctx context.Context, entry RequestLog) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal log: %w", err)
	}
	key := "logs:" + entry.OwnerID
	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, r.maxLogs-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis record request: %w", err)
	}
	return nil
}
