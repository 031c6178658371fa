// Package forwarder replays tunnel frames against a local HTTP server: the
// mirror image of the gateway, running inside the CLI.
package forwarder

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/knrog/knrog/internal/httpx"
	"github.com/knrog/knrog/internal/obs"
	"github.com/knrog/knrog/internal/proto"
)

const chunkSize = 32 * 1024

// chunkBacklog bounds how many request body chunks may queue per exchange
// before the frame loop applies backpressure.
const chunkBacklog = 256

// Forwarder drives local HTTP calls from tunnel frames. One Forwarder serves
// one tunnel connection; each exchange runs on its own goroutine so a slow or
// broken local call never touches another id.
type Forwarder struct {
	sender proto.Sender
	target string // host:port of the local service
	client *http.Client
	onInit func(subdomain string)
	mu     sync.Mutex
	calls  map[string]*localCall
}

// localCall tracks one open local exchange.
type localCall struct {
	cancel    context.CancelFunc
	body      chan []byte
	closeOnce sync.Once
}

func (c *localCall) closeInput() {
	c.closeOnce.Do(func() { close(c.body) })
}

// New creates a forwarder sending frames through sender and replaying
// requests against target (host:port). onInit runs when the server announces
// the assigned subdomain; it may be nil.
func New(sender proto.Sender, target string, onInit func(string)) *Forwarder {
	return &Forwarder{
		sender: sender,
		target: target,
		client: &http.Client{
			// Redirects from the local service pass through to the public
			// caller untouched.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		onInit: onInit,
		calls:  make(map[string]*localCall),
	}
}

// Run pumps frames from conn until the connection dies.
func (f *Forwarder) Run(conn *proto.Conn) error {
	for {
		data, err := conn.ReadRaw()
		if err != nil {
			f.abortAll()
			return err
		}
		frame, err := proto.Decode(data)
		if err != nil {
			obs.Warn("forward.bad_frame", obs.Fields{"err": err.Error()})
			continue
		}
		f.HandleFrame(frame)
	}
}

// HandleFrame dispatches one server-to-client frame.
func (f *Forwarder) HandleFrame(frame proto.Frame) {
	switch frame.Type {
	case proto.TypeInit:
		if f.onInit != nil {
			f.onInit(frame.Subdomain)
		}
	case proto.TypeRequest:
		f.start(frame)
	case proto.TypeRequestData:
		f.writeChunk(frame)
	case proto.TypeRequestEnd:
		f.endBody(frame.ID)
	case proto.TypeError:
		f.abort(frame.ID)
	default:
		obs.Debug("forward.frame_ignored", obs.Fields{"type": string(frame.Type), "id": frame.ID})
	}
}

// bodyless reports whether the local request can be finished at request time
// without waiting for req_end.
func bodyless(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead:
		return true
	}
	return false
}

func (f *Forwarder) start(frame proto.Frame) {
	obs.Info("forward.request", obs.Fields{"id": frame.ID, "method": frame.Method, "url": frame.URL})

	var body io.Reader = http.NoBody
	call := &localCall{}
	if !bodyless(frame.Method) {
		pr, pw := io.Pipe()
		body = pr
		call.body = make(chan []byte, chunkBacklog)
		go func() {
			for chunk := range call.body {
				if _, err := pw.Write(chunk); err != nil {
					for range call.body {
					}
					return
				}
			}
			_ = pw.Close()
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	call.cancel = cancel

	url := fmt.Sprintf("http://%s%s", f.target, frame.URL)
	req, err := http.NewRequestWithContext(ctx, frame.Method, url, body)
	if err != nil {
		cancel()
		f.sendError(frame.ID, err.Error())
		return
	}
	req.Header = httpx.SanitizeForward(frame.Headers)

	f.mu.Lock()
	f.calls[frame.ID] = call
	f.mu.Unlock()

	go f.roundTrip(frame.ID, frame.Method, frame.URL, req)
}

func (f *Forwarder) roundTrip(id, method, url string, req *http.Request) {
	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		obs.Error("forward.local", obs.Fields{"id": id, "err": err.Error()})
		f.sendError(id, err.Error())
		f.drop(id)
		return
	}
	defer resp.Body.Close()
	obs.Info("forward.response", obs.Fields{"id": id, "method": method, "url": url, "status": resp.StatusCode, "elapsed_ms": time.Since(start).Milliseconds()})

	if err := f.sender.Send(proto.Frame{
		Type:       proto.TypeResponseHeaders,
		ID:         id,
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
	}); err != nil {
		f.drop(id)
		return
	}
	buf := make([]byte, chunkSize)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			if sendErr := f.sender.Send(proto.Frame{Type: proto.TypeResponseData, ID: id, Chunk: chunk}); sendErr != nil {
				f.drop(id)
				return
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			// Headers are already on the wire; the gateway turns this into a
			// failed exchange rather than a hung caller.
			f.sendError(id, err.Error())
			f.drop(id)
			return
		}
	}
	_ = f.sender.Send(proto.Frame{Type: proto.TypeResponseEnd, ID: id})
	f.drop(id)
}

// writeChunk queues one request body chunk; chunks for unknown or already
// finished ids are discarded silently.
func (f *Forwarder) writeChunk(frame proto.Frame) {
	f.mu.Lock()
	call := f.calls[frame.ID]
	f.mu.Unlock()
	if call == nil || call.body == nil {
		return
	}
	defer func() {
		// The body channel may close while a chunk is queued; a late chunk
		// for a finished exchange is a no-op, not a crash.
		_ = recover()
	}()
	call.body <- frame.Chunk
}

func (f *Forwarder) endBody(id string) {
	f.mu.Lock()
	call := f.calls[id]
	f.mu.Unlock()
	if call == nil || call.body == nil {
		return
	}
	call.closeInput()
}

// abort cancels the local call for id, used when the server fails the
// exchange from its side.
func (f *Forwarder) abort(id string) {
	f.mu.Lock()
	call := f.calls[id]
	delete(f.calls, id)
	f.mu.Unlock()
	if call == nil {
		return
	}
	if call.body != nil {
		call.closeInput()
	}
	call.cancel()
}

func (f *Forwarder) abortAll() {
	f.mu.Lock()
	calls := f.calls
	f.calls = make(map[string]*localCall)
	f.mu.Unlock()
	for _, call := range calls {
		if call.body != nil {
			call.closeInput()
		}
		call.cancel()
	}
}

// drop forgets the exchange after its terminal frame was sent.
func (f *Forwarder) drop(id string) {
	f.mu.Lock()
	call := f.calls[id]
	delete(f.calls, id)
	f.mu.Unlock()
	if call == nil {
		return
	}
	if call.body != nil {
		call.closeInput()
	}
	call.cancel()
}

func (f *Forwarder) sendError(id, message string) {
	if err := f.sender.Send(proto.Frame{Type: proto.TypeError, ID: id, Message: message}); err != nil {
		obs.Debug("forward.send_error", obs.Fields{"id": id, "err": err.Error()})
	}
}

// Target returns the local address requests are replayed against.
func (f *Forwarder) Target() string { return f.target }

// ActiveCalls reports how many local exchanges are currently tracked.
func (f *Forwarder) ActiveCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}
