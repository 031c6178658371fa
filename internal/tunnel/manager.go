// Package tunnel admits client connections, registers them in the registry,
// and runs the per-connection heartbeat and frame loop.
package tunnel

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/knrog/knrog/internal/account"
	"github.com/knrog/knrog/internal/gateway"
	"github.com/knrog/knrog/internal/obs"
	"github.com/knrog/knrog/internal/proto"
	"github.com/knrog/knrog/internal/registry"
)

const (
	// DefaultHeartbeatInterval is the ping cadence; a connection that stays
	// silent for a full interval past the next ping is torn down.
	DefaultHeartbeatInterval = 30 * time.Second
)

// Manager owns tunnel admission and connection lifecycle.
type Manager struct {
	reg       *registry.Registry
	backend   account.Backend
	gw        *gateway.Gateway
	heartbeat time.Duration
	upgrader  websocket.Upgrader
}

func NewManager(reg *registry.Registry, backend account.Backend, gw *gateway.Gateway, heartbeat time.Duration) *Manager {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}
	return &Manager{
		reg:       reg,
		backend:   backend,
		gw:        gw,
		heartbeat: heartbeat,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			// Tunnel clients are CLI processes, not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// HandleUpgrade upgrades an inbound websocket handshake and runs admission.
// The credential and optional requested subdomain arrive as query parameters,
// with an X-Api-Key header fallback.
func (m *Manager) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	apiKey := r.URL.Query().Get("apiKey")
	if apiKey == "" {
		apiKey = r.Header.Get("X-Api-Key")
	}
	requested := r.URL.Query().Get("subdomain")

	ws, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		obs.Error("tunnel.upgrade", obs.Fields{"err": err.Error(), "remote": r.RemoteAddr})
		return
	}
	conn := proto.NewConn(ws)

	subdomain, user, rej := m.admit(r.Context(), apiKey, requested)
	if rej != nil {
		obs.Warn("tunnel.rejected", obs.Fields{"code": rej.Code, "reason": rej.Reason, "remote": r.RemoteAddr})
		obs.AdmissionRejectedTotal.WithLabelValues(rej.Reason).Inc()
		_ = conn.CloseWithReason(rej.Code, rej.Reason)
		return
	}
	limits, err := m.backend.Plans.Limits(r.Context(), user.ID)
	if err != nil {
		obs.Error("tunnel.limits", obs.Fields{"user": user.ID, "err": err.Error()})
		_ = conn.CloseWithReason(CloseInvalidCredential, "plan lookup failed")
		return
	}

	tun := &registry.Tunnel{
		Subdomain:   subdomain,
		Sender:      conn,
		OwnerID:     user.ID,
		Paid:        user.Paid,
		ConnectedAt: time.Now(),
	}
	// Admission checked liveness and the connection count, but another session
	// can slip in between those checks and this insert; the registry is the
	// arbiter for both.
	if err := m.reg.RegisterWithinLimit(tun, limits.MaxConnections); err != nil {
		code, reason := CloseSubdomainConflict, "subdomain already has a live tunnel"
		if errors.Is(err, registry.ErrOwnerAtCapacity) {
			code, reason = CloseConnectionLimit, "connection limit reached"
		}
		obs.AdmissionRejectedTotal.WithLabelValues(reason).Inc()
		_ = conn.CloseWithReason(code, reason)
		return
	}
	if err := m.backend.Domains.TouchLastUsed(context.Background(), subdomain); err != nil {
		obs.Error("tunnel.touch", obs.Fields{"subdomain": subdomain, "err": err.Error()})
	}
	obs.Info("tunnel.open", obs.Fields{"subdomain": subdomain, "user": user.ID, "paid": user.Paid, "remote": r.RemoteAddr})

	go m.serve(conn, subdomain)
}

// serve sends init, runs the heartbeat, and pumps frames into the gateway
// until the connection dies. Cleanup happens on every exit path: registry
// removal first, then the pending sweep.
func (m *Manager) serve(conn *proto.Conn, subdomain string) {
	defer func() {
		m.reg.Remove(subdomain)
		failed := m.gw.FailSubdomain(subdomain, "tunnel disconnected")
		_ = conn.Close()
		obs.Info("tunnel.closed", obs.Fields{"subdomain": subdomain, "swept": failed})
	}()

	pongWait := 2 * m.heartbeat
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	stop := make(chan struct{})
	defer close(stop)
	go m.pingLoop(conn, subdomain, stop)

	if err := conn.Send(proto.Frame{Type: proto.TypeInit, Subdomain: subdomain}); err != nil {
		obs.Error("tunnel.init", obs.Fields{"subdomain": subdomain, "err": err.Error()})
		return
	}

	for {
		data, err := conn.ReadRaw()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				obs.Error("tunnel.read", obs.Fields{"subdomain": subdomain, "err": err.Error()})
			}
			return
		}
		f, err := proto.Decode(data)
		if err != nil {
			// Malformed frames are dropped; they must never end the loop.
			obs.Warn("tunnel.bad_frame", obs.Fields{"subdomain": subdomain, "err": err.Error()})
			obs.ErrorsTotal.WithLabelValues("bad_frame").Inc()
			continue
		}
		m.gw.HandleFrame(f)
	}
}

func (m *Manager) pingLoop(conn *proto.Conn, subdomain string, stop <-chan struct{}) {
	t := time.NewTicker(m.heartbeat)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			if err := conn.Ping(); err != nil {
				obs.Debug("tunnel.ping", obs.Fields{"subdomain": subdomain, "err": err.Error()})
				_ = conn.Close()
				return
			}
		}
	}
}
