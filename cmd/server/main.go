package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/knrog/knrog/internal/account"
	"github.com/knrog/knrog/internal/gateway"
	"github.com/knrog/knrog/internal/obs"
	"github.com/knrog/knrog/internal/registry"
	"github.com/knrog/knrog/internal/security"
	"github.com/knrog/knrog/internal/tunnel"
)

func main() {
	flag.Parse()
	if cfg.Debug {
		obs.EnableDebug(true)
	}
	obs.Info("server.start", obs.Fields{"public": cfg.PublicAddr, "metrics": cfg.MetricsAddr, "domain": cfg.BaseDomain})

	backend, err := account.NewBackend(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		obs.Error("account.backend", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}
	seedDevUser(backend)

	reg := registry.New()
	tracker := security.NewTracker(cfg.SuspectThreshold, cfg.SuspectRetention)
	gw := gateway.New(reg, backend.Plans, backend.Usage, tracker, cfg.RequestTimeout)
	mgr := tunnel.NewManager(reg, backend, gw, cfg.HeartbeatInterval)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go tracker.Run(ctx)

	var health healthState
	go startMetricsServer(cfg.MetricsAddr, reg, gw, &health)

	// Tunnel handshakes and public traffic share one listener: a websocket
	// upgrade becomes a tunnel, everything else is routed by subdomain.
	public := &http.Server{
		Addr: cfg.PublicAddr,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if websocket.IsWebSocketUpgrade(r) {
				mgr.HandleUpgrade(w, r)
				return
			}
			gw.ServeHTTP(w, r)
		}),
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := public.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			obs.Error("listen.public", obs.Fields{"err": err.Error(), "addr": cfg.PublicAddr})
			stop()
		}
	}()

	health.setReady(true)
	obs.Info("server.ready", obs.Fields{})

	<-ctx.Done()
	obs.Info("server.shutdown.signal", obs.Fields{})
	health.setClosing(true)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = public.Shutdown(shutdownCtx)
	wg.Wait()
	obs.Info("server.shutdown.complete", obs.Fields{})
}

// seedDevUser makes the in-memory backend usable without provisioning.
func seedDevUser(backend account.Backend) {
	if cfg.SeedAPIKey == "" {
		return
	}
	mem, ok := backend.Users.(*account.MemoryBackend)
	if !ok {
		obs.Warn("server.seed", obs.Fields{"skipped": "seeding only applies to the in-memory backend"})
		return
	}
	mem.AddUser(cfg.SeedAPIKey, account.User{ID: cfg.SeedUserID, Paid: cfg.SeedPaid})
	obs.Info("server.seed", obs.Fields{"user": cfg.SeedUserID, "paid": cfg.SeedPaid})
}
