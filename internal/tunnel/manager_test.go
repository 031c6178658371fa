package tunnel

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/knrog/knrog/internal/account"
	"github.com/knrog/knrog/internal/forwarder"
	"github.com/knrog/knrog/internal/gateway"
	"github.com/knrog/knrog/internal/proto"
	"github.com/knrog/knrog/internal/registry"
	"github.com/knrog/knrog/internal/security"
)

type stack struct {
	reg    *registry.Registry
	mem    *account.MemoryBackend
	gw     *gateway.Gateway
	mgr    *Manager
	public *httptest.Server
}

func newStack(t *testing.T, timeout time.Duration) *stack {
	t.Helper()
	reg := registry.New()
	mem := account.NewMemoryBackend()
	mem.AddUser("paid-key", account.User{ID: "u-paid", Email: "paid@knrog.online", Paid: true})
	gw := gateway.New(reg, mem, mem, security.NewTracker(100, time.Hour), timeout)
	mgr := NewManager(reg, mem.Backend(), gw, time.Second)
	public := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if websocket.IsWebSocketUpgrade(r) {
			mgr.HandleUpgrade(w, r)
			return
		}
		gw.ServeHTTP(w, r)
	}))
	t.Cleanup(public.Close)
	return &stack{reg: reg, mem: mem, gw: gw, mgr: mgr, public: public}
}

func (s *stack) wsURL(query string) string {
	return "ws" + strings.TrimPrefix(s.public.URL, "http") + "/?" + query
}

func TestEndToEndProxying(t *testing.T) {
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Upstream", "local")
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte("echo: "))
		w.Write(body)
	}))
	defer local.Close()

	s := newStack(t, 5*time.Second)
	ws, _, err := websocket.DefaultDialer.Dial(s.wsURL("apiKey=paid-key&subdomain=e2e"), nil)
	require.NoError(t, err)
	conn := proto.NewConn(ws)
	defer conn.Close()

	assigned := make(chan string, 1)
	fwd := forwarder.New(conn, strings.TrimPrefix(local.URL, "http://"), func(sub string) { assigned <- sub })
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = fwd.Run(conn)
	}()

	select {
	case sub := <-assigned:
		require.Equal(t, "e2e", sub)
	case <-time.After(2 * time.Second):
		t.Fatal("init frame never arrived")
	}
	require.True(t, s.reg.Live("e2e"))

	req, err := http.NewRequest(http.MethodPost, s.public.URL+"/echo", strings.NewReader("over the wire"))
	require.NoError(t, err)
	req.Host = "e2e.knrog.online"
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Equal(t, "local", resp.Header.Get("X-Upstream"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "echo: over the wire", string(body))

	// Dropping the tunnel deregisters the subdomain.
	conn.Close()
	<-runDone
	require.Eventually(t, func() bool { return !s.reg.Live("e2e") }, 2*time.Second, 10*time.Millisecond)
}

func TestDisconnectFailsPendingCallers(t *testing.T) {
	s := newStack(t, 10*time.Second)
	ws, _, err := websocket.DefaultDialer.Dial(s.wsURL("apiKey=paid-key&subdomain=e2e"), nil)
	require.NoError(t, err)
	conn := proto.NewConn(ws)

	// Read the init frame but never answer request frames.
	gotRequest := make(chan struct{}, 1)
	go func() {
		for {
			data, err := conn.ReadRaw()
			if err != nil {
				return
			}
			f, err := proto.Decode(data)
			if err != nil {
				continue
			}
			if f.Type == proto.TypeRequest {
				gotRequest <- struct{}{}
			}
		}
	}()
	require.Eventually(t, func() bool { return s.reg.Live("e2e") }, 2*time.Second, 10*time.Millisecond)

	type outcome struct {
		status int
		body   string
		err    error
	}
	results := make(chan outcome, 1)
	go func() {
		req, _ := http.NewRequest(http.MethodGet, s.public.URL+"/never", nil)
		req.Host = "e2e.knrog.online"
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			results <- outcome{err: err}
			return
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		results <- outcome{status: resp.StatusCode, body: string(body)}
	}()
	select {
	case <-gotRequest:
	case <-time.After(2 * time.Second):
		t.Fatal("request frame never reached the tunnel")
	}

	conn.Close()
	select {
	case got := <-results:
		require.NoError(t, got.err)
		require.Equal(t, http.StatusBadGateway, got.status)
		require.Contains(t, got.body, "tunnel disconnected")
	case <-time.After(3 * time.Second):
		t.Fatal("caller was not failed on disconnect")
	}
	require.Zero(t, s.gw.PendingCount())
}

func TestMidResponseDisconnectVisibleToCaller(t *testing.T) {
	s := newStack(t, 10*time.Second)
	ws, _, err := websocket.DefaultDialer.Dial(s.wsURL("apiKey=paid-key&subdomain=e2e"), nil)
	require.NoError(t, err)
	conn := proto.NewConn(ws)

	// Answer the first request with headers and half a body, then drop the
	// tunnel without ever sending the terminal frame.
	go func() {
		for {
			data, err := conn.ReadRaw()
			if err != nil {
				return
			}
			f, err := proto.Decode(data)
			if err != nil || f.Type != proto.TypeRequest {
				continue
			}
			_ = conn.Send(proto.Frame{Type: proto.TypeResponseHeaders, ID: f.ID, StatusCode: 200})
			_ = conn.Send(proto.Frame{Type: proto.TypeResponseData, ID: f.ID, Chunk: []byte("first half")})
			_ = conn.Close()
			return
		}
	}()
	require.Eventually(t, func() bool { return s.reg.Live("e2e") }, 2*time.Second, 10*time.Millisecond)

	req, err := http.NewRequest(http.MethodGet, s.public.URL+"/stream", nil)
	require.NoError(t, err)
	req.Host = "e2e.knrog.online"
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The caller must not be able to mistake the truncated reply for a
	// complete one: the body read has to fail.
	_, readErr := io.ReadAll(resp.Body)
	require.Error(t, readErr)
	require.Eventually(t, func() bool { return s.gw.PendingCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestRejectionCloseCodeReachesClient(t *testing.T) {
	s := newStack(t, time.Second)
	ws, _, err := websocket.DefaultDialer.Dial(s.wsURL("apiKey=wrong"), nil)
	require.NoError(t, err)
	defer ws.Close()

	_, _, err = ws.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	require.Equal(t, CloseInvalidCredential, closeErr.Code)
}

func TestSecondSessionOnLiveSubdomainRejected(t *testing.T) {
	s := newStack(t, time.Second)
	first, _, err := websocket.DefaultDialer.Dial(s.wsURL("apiKey=paid-key&subdomain=busy"), nil)
	require.NoError(t, err)
	defer first.Close()
	require.Eventually(t, func() bool { return s.reg.Live("busy") }, 2*time.Second, 10*time.Millisecond)

	second, _, err := websocket.DefaultDialer.Dial(s.wsURL("apiKey=paid-key&subdomain=busy"), nil)
	require.NoError(t, err)
	defer second.Close()

	_, _, err = second.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	require.Equal(t, CloseSubdomainConflict, closeErr.Code)
}
