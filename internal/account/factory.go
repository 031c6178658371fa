package account

import "github.com/knrog/knrog/internal/obs"

// NewBackend selects the account backend from configuration: Redis when an
// address is given, otherwise in-memory.
func NewBackend(redisAddr, redisPassword string, redisDB int) (Backend, error) {
	if redisAddr == "" {
		obs.Info("account.backend", obs.Fields{"type": "in-memory"})
		return NewMemoryBackend().Backend(), nil
	}
	obs.Info("account.backend", obs.Fields{"type": "redis", "addr": redisAddr})
	rb, err := NewRedisBackend(redisAddr, redisPassword, redisDB)
	if err != nil {
		return Backend{}, err
	}
	return rb.Backend(), nil
}
