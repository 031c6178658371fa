// Package gateway turns public HTTP traffic into tunnel frames and resumes
// the original response when the client replies. It owns the pending-request
// table: every in-flight exchange lives here from the moment the request
// frame is emitted until exactly one terminal event removes it.
package gateway

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/knrog/knrog/internal/account"
	"github.com/knrog/knrog/internal/httpx"
	"github.com/knrog/knrog/internal/obs"
	"github.com/knrog/knrog/internal/proto"
	"github.com/knrog/knrog/internal/registry"
	"github.com/knrog/knrog/internal/security"
)

// DefaultRequestTimeout is how long the local side has to finish an exchange.
const DefaultRequestTimeout = 30 * time.Second

const bodyChunkSize = 32 * 1024

// Gateway routes public requests into live tunnels.
type Gateway struct {
	reg     *registry.Registry
	plans   account.PlanService
	usage   account.UsageRecorder
	tracker *security.Tracker
	timeout time.Duration

	mu          sync.Mutex
	pending     map[string]*pendingRequest
	bySubdomain map[string]map[string]struct{}
}

// pendingRequest is one in-flight public exchange. All writes to the response
// writer happen under mu so a terminal event and a late data frame can never
// interleave.
type pendingRequest struct {
	id        string
	subdomain string
	ownerID   string
	paid      bool
	method    string
	path      string
	started   time.Time

	mu             sync.Mutex
	w              http.ResponseWriter
	flusher        http.Flusher
	headersWritten bool
	status         int
	terminal       bool
	aborted        bool
	timer          *time.Timer

	done chan struct{}
}

func New(reg *registry.Registry, plans account.PlanService, usage account.UsageRecorder, tracker *security.Tracker, timeout time.Duration) *Gateway {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Gateway{
		reg:         reg,
		plans:       plans,
		usage:       usage,
		tracker:     tracker,
		timeout:     timeout,
		pending:     make(map[string]*pendingRequest),
		bySubdomain: make(map[string]map[string]struct{}),
	}
}

// PendingCount reports the number of in-flight exchanges.
func (g *Gateway) PendingCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := httpx.ClientIP(r)
	if g.tracker.Banned(ip) {
		obs.BlockedRequestsTotal.WithLabelValues("banned").Inc()
		http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		return
	}
	if blocked, reason := security.Blocked(r); blocked {
		obs.Warn("security.blocked", obs.Fields{"ip": ip, "path": r.URL.Path, "reason": reason})
		obs.BlockedRequestsTotal.WithLabelValues(reason).Inc()
		if g.tracker.Hit(ip) {
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	subdomain := httpx.Subdomain(r.Host)
	tun, ok := g.reg.Lookup(subdomain)
	if subdomain == "" || !ok {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprintf(w, "Knrog Error: No tunnel found for %s", subdomain)
		return
	}

	id := uuid.NewString()
	p := &pendingRequest{
		id:        id,
		subdomain: subdomain,
		ownerID:   tun.OwnerID,
		paid:      tun.Paid,
		method:    r.Method,
		path:      r.URL.Path,
		started:   time.Now(),
		w:         w,
		done:      make(chan struct{}),
	}
	if f, ok := w.(http.Flusher); ok {
		p.flusher = f
	}
	g.add(p)
	obs.RequestsTotal.Inc()
	obs.Debug("gateway.request", obs.Fields{"id": id, "subdomain": subdomain, "method": r.Method, "path": r.URL.Path})

	if err := tun.Sender.Send(proto.Frame{
		Type:    proto.TypeRequest,
		ID:      id,
		Method:  r.Method,
		URL:     r.URL.RequestURI(),
		Headers: r.Header,
	}); err != nil {
		obs.ErrorsTotal.WithLabelValues("send_request").Inc()
		if g.pop(id) != nil {
			p.failLocked(http.StatusBadGateway, "tunnel write failed")
		}
		return
	}

	g.streamRequestBody(r, tun, p)

	<-p.done
	p.abortIfTruncated()
}

// streamRequestBody forwards the inbound body as req_data frames, then closes
// the stream with req_end. It stops early once the exchange reached a
// terminal state.
func (g *Gateway) streamRequestBody(r *http.Request, tun *registry.Tunnel, p *pendingRequest) {
	buf := make([]byte, bodyChunkSize)
	for {
		select {
		case <-p.done:
			return
		default:
		}
		n, err := r.Body.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			if sendErr := tun.Sender.Send(proto.Frame{Type: proto.TypeRequestData, ID: p.id, Chunk: chunk}); sendErr != nil {
				obs.ErrorsTotal.WithLabelValues("send_req_data").Inc()
				return
			}
			_ = g.plans.AddBandwidth(r.Context(), p.ownerID, int64(n))
		}
		if err != nil {
			if err != io.EOF {
				obs.Debug("gateway.body_read", obs.Fields{"id": p.id, "err": err.Error()})
			}
			break
		}
	}
	if err := tun.Sender.Send(proto.Frame{Type: proto.TypeRequestEnd, ID: p.id}); err != nil {
		obs.ErrorsTotal.WithLabelValues("send_req_end").Inc()
	}
}

// expire runs on the deadline timer armed at creation: whoever pops the entry
// owns the terminal transition, so a terminal frame racing the timer makes
// this a no-op.
func (g *Gateway) expire(p *pendingRequest) {
	if g.pop(p.id) == nil {
		return
	}
	obs.RequestTimeoutTotal.Inc()
	obs.ErrorsTotal.WithLabelValues("timeout").Inc()
	obs.Warn("gateway.timeout", obs.Fields{"id": p.id, "subdomain": p.subdomain})
	p.mu.Lock()
	p.terminal = true
	if p.headersWritten {
		p.aborted = true
	} else {
		p.status = http.StatusGatewayTimeout
		p.w.WriteHeader(http.StatusGatewayTimeout)
		_, _ = io.WriteString(p.w, "Knrog Error: Gateway Timeout")
	}
	close(p.done)
	p.mu.Unlock()
	g.record(p)
}

// abortIfTruncated severs the connection when the exchange failed after the
// status line already went out. Only the handler goroutine may call it; a
// truncated reply must not be finalized as if it were complete.
func (p *pendingRequest) abortIfTruncated() {
	p.mu.Lock()
	aborted := p.aborted
	p.mu.Unlock()
	if aborted {
		panic(http.ErrAbortHandler)
	}
}

// HandleFrame dispatches one client-to-server frame against the pending
// table. Frames for unknown ids are no-ops.
func (g *Gateway) HandleFrame(f proto.Frame) {
	switch f.Type {
	case proto.TypeResponseHeaders:
		g.onResponseHeaders(f)
	case proto.TypeResponseData:
		g.onResponseData(f)
	case proto.TypeResponseEnd:
		g.onResponseEnd(f)
	case proto.TypeError:
		g.onError(f)
	default:
		obs.Debug("gateway.frame_ignored", obs.Fields{"type": string(f.Type), "id": f.ID})
	}
}

func (g *Gateway) onResponseHeaders(f proto.Frame) {
	p := g.lookup(f.ID)
	if p == nil {
		return
	}
	if f.StatusCode < 100 || f.StatusCode > 999 {
		// Malformed reply must not escape as a WriteHeader panic.
		obs.ErrorsTotal.WithLabelValues("bad_status").Inc()
		if g.pop(f.ID) != nil {
			p.failLocked(http.StatusBadGateway, fmt.Sprintf("invalid upstream status %d", f.StatusCode))
			g.record(p)
		}
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.terminal || p.headersWritten {
		return
	}
	h := p.w.Header()
	for name, values := range f.Headers {
		switch strings.ToLower(name) {
		case "connection", "keep-alive", "transfer-encoding":
			continue
		}
		for _, v := range values {
			h.Add(name, v)
		}
	}
	p.status = f.StatusCode
	p.headersWritten = true
	p.w.WriteHeader(f.StatusCode)
}

func (g *Gateway) onResponseData(f proto.Frame) {
	p := g.lookup(f.ID)
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.terminal || !p.headersWritten {
		return
	}
	if _, err := p.w.Write(f.Chunk); err != nil {
		obs.Debug("gateway.write", obs.Fields{"id": p.id, "err": err.Error()})
		return
	}
	if p.flusher != nil {
		p.flusher.Flush()
	}
	_ = g.plans.AddBandwidth(context.Background(), p.ownerID, int64(len(f.Chunk)))
}

func (g *Gateway) onResponseEnd(f proto.Frame) {
	p := g.pop(f.ID)
	if p == nil {
		return
	}
	p.mu.Lock()
	p.terminal = true
	close(p.done)
	p.mu.Unlock()
	g.record(p)
}

func (g *Gateway) onError(f proto.Frame) {
	p := g.pop(f.ID)
	if p == nil {
		return
	}
	obs.ErrorsTotal.WithLabelValues("upstream_error").Inc()
	p.failLocked(http.StatusBadGateway, f.Message)
	g.record(p)
}

// FailSubdomain terminates every pending exchange bound to subdomain. The
// connection manager calls it when a tunnel drops so callers fail immediately
// instead of riding out their deadlines.
func (g *Gateway) FailSubdomain(subdomain, message string) int {
	g.mu.Lock()
	ids := g.bySubdomain[subdomain]
	popped := make([]*pendingRequest, 0, len(ids))
	for id := range ids {
		if p, ok := g.pending[id]; ok {
			delete(g.pending, id)
			if p.timer != nil {
				p.timer.Stop()
			}
			popped = append(popped, p)
		}
	}
	delete(g.bySubdomain, subdomain)
	obs.PendingRequests.Set(float64(len(g.pending)))
	g.mu.Unlock()
	for _, p := range popped {
		p.failLocked(http.StatusBadGateway, message)
		g.record(p)
	}
	if len(popped) > 0 {
		obs.Info("gateway.sweep", obs.Fields{"subdomain": subdomain, "failed": len(popped)})
	}
	return len(popped)
}

// failLocked finishes a popped exchange with an error status. Callers must
// have removed the entry from the table already. When the status line is
// already on the wire the exchange is marked aborted instead, and the handler
// goroutine severs the connection on wakeup.
func (p *pendingRequest) failLocked(status int, message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.terminal {
		return
	}
	p.terminal = true
	if p.headersWritten {
		p.aborted = true
	} else {
		p.headersWritten = true
		p.status = status
		p.w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		p.w.WriteHeader(status)
		if message == "" {
			message = http.StatusText(status)
		}
		fmt.Fprintf(p.w, "Knrog Error: %s", message)
	}
	close(p.done)
}

func (g *Gateway) record(p *pendingRequest) {
	obs.RequestDurationSeconds.Observe(time.Since(p.started).Seconds())
	if !p.paid || g.usage == nil {
		return
	}
	entry := account.RequestLog{
		Subdomain:  p.subdomain,
		OwnerID:    p.ownerID,
		Method:     p.method,
		Path:       p.path,
		StatusCode: p.status,
		ElapsedMs:  time.Since(p.started).Milliseconds(),
		At:         time.Now(),
	}
	if err := g.usage.RecordRequest(context.Background(), entry); err != nil {
		obs.Error("gateway.record", obs.Fields{"id": p.id, "err": err.Error()})
	}
}

// add inserts the entry and arms its deadline in the same critical section.
// The deadline runs from creation, so a slow request body cannot stretch it.
func (g *Gateway) add(p *pendingRequest) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pending[p.id] = p
	set, ok := g.bySubdomain[p.subdomain]
	if !ok {
		set = make(map[string]struct{})
		g.bySubdomain[p.subdomain] = set
	}
	set[p.id] = struct{}{}
	p.timer = time.AfterFunc(g.timeout, func() { g.expire(p) })
	obs.PendingRequests.Set(float64(len(g.pending)))
}

func (g *Gateway) lookup(id string) *pendingRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pending[id]
}

// pop removes and returns the entry for id; nil means another terminal event
// already owned it.
func (g *Gateway) pop(id string) *pendingRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.pending[id]
	if !ok {
		return nil
	}
	delete(g.pending, id)
	if set, ok := g.bySubdomain[p.subdomain]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(g.bySubdomain, p.subdomain)
		}
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	obs.PendingRequests.Set(float64(len(g.pending)))
	return p
}
