package main

import (
	"flag"
	"time"
)

// Config holds all runtime configuration derived from flags (future: env vars / file).
type Config struct {
	PublicAddr        string
	MetricsAddr       string
	RequestTimeout    time.Duration
	HeartbeatInterval time.Duration
	SuspectThreshold  int
	SuspectRetention  time.Duration
	Debug             bool
	BaseDomain        string
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	SeedAPIKey        string
	SeedUserID        string
	SeedPaid          bool
}

var cfg Config

// init registers flags into the global flag set. main() simply parses and uses cfg.
func init() {
	flag.StringVar(&cfg.PublicAddr, "public", ":9000", "public listener address (HTTP ingress and tunnel websocket handshakes)")
	flag.StringVar(&cfg.MetricsAddr, "metrics", ":9100", "metrics and health listen address")
	flag.DurationVar(&cfg.RequestTimeout, "request-timeout", 30*time.Second, "time limit for the local side to complete an exchange")
	flag.DurationVar(&cfg.HeartbeatInterval, "heartbeat", 30*time.Second, "tunnel liveness ping interval")
	flag.IntVar(&cfg.SuspectThreshold, "suspect-threshold", 10, "blocked hits per IP before answering 429")
	flag.DurationVar(&cfg.SuspectRetention, "suspect-retention", time.Hour, "how long suspicious IP records are kept")
	flag.BoolVar(&cfg.Debug, "debug", false, "enable debug logs")
	flag.StringVar(&cfg.BaseDomain, "domain", "knrog.online", "base wildcard domain tunnels are served under")
	flag.StringVar(&cfg.RedisAddr, "redis", "", "redis address for the account backend; empty selects in-memory")
	flag.StringVar(&cfg.RedisPassword, "redis-password", "", "redis password")
	flag.IntVar(&cfg.RedisDB, "redis-db", 0, "redis database number")
	flag.StringVar(&cfg.SeedAPIKey, "seed-api-key", "", "seed an API key into the in-memory backend (development)")
	flag.StringVar(&cfg.SeedUserID, "seed-user-id", "dev", "user id for the seeded API key")
	flag.BoolVar(&cfg.SeedPaid, "seed-paid", false, "seeded user gets the paid tier")
}
