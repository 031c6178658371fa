package main

import (
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gorilla/websocket"

	"github.com/knrog/knrog/internal/forwarder"
	"github.com/knrog/knrog/internal/obs"
	"github.com/knrog/knrog/internal/proto"
)

func main() {
	flag.Parse()
	if cfg.Debug {
		obs.EnableDebug(true)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		fmt.Fprintln(os.Stderr, "invalid port: must be between 1 and 65535")
		os.Exit(1)
	}

	fileCfg := loadFileConfig()
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = fileCfg.APIKey
	}
	if apiKey == "" {
		fmt.Fprintln(os.Stderr, "an API key is required: pass -api-key or save one in ~/.knrog/config.json")
		os.Exit(1)
	}

	subdomain := cfg.Subdomain
	if subdomain == "" && cfg.Reuse && fileCfg.LastSubdomain != "" {
		subdomain = fileCfg.LastSubdomain
		obs.Info("client.reuse", obs.Fields{"subdomain": subdomain})
	}

	wsURL, err := buildURL(cfg.ServerURL, apiKey, subdomain)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid server URL: %v\n", err)
		os.Exit(1)
	}

	obs.Info("client.connect", obs.Fields{"server": cfg.ServerURL, "target_port": cfg.Port})
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not connect to %s: %v\n", cfg.ServerURL, err)
		os.Exit(1)
	}
	conn := proto.NewConn(ws)

	target := fmt.Sprintf("127.0.0.1:%d", cfg.Port)
	fwd := forwarder.New(conn, target, func(assigned string) {
		fileCfg.APIKey = apiKey
		fileCfg.LastSubdomain = assigned
		if err := saveFileConfig(fileCfg); err != nil {
			obs.Warn("client.config_save", obs.Fields{"err": err.Error()})
		}
		printBanner(assigned)
	})

	// Ctrl+C closes the tunnel cleanly; the server sweeps our pending ids.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		obs.Info("client.closing", obs.Fields{})
		_ = conn.CloseWithReason(websocket.CloseNormalClosure, "client shutdown")
	}()

	err = fwd.Run(conn)
	if closeErr, ok := err.(*websocket.CloseError); ok {
		if msg := rejectionMessage(closeErr.Code); msg != "" {
			fmt.Fprintf(os.Stderr, "tunnel rejected: %s\n", msg)
			os.Exit(1)
		}
	}
	obs.Info("client.disconnected", obs.Fields{"err": err.Error()})
}

func buildURL(server, apiKey, subdomain string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	q := u.Query()
	q.Set("apiKey", apiKey)
	if subdomain != "" {
		q.Set("subdomain", subdomain)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// rejectionMessage maps admission close codes to user-facing text. The codes
// mirror the server's admission gates.
func rejectionMessage(code int) string {
	switch code {
	case 4001:
		return "missing API key"
	case 4002:
		return "invalid API key"
	case 4003:
		return "connection limit reached for your plan"
	case 4004:
		return "bandwidth limit reached for your plan"
	case 4005:
		return "that subdomain already has a live tunnel"
	case 4006:
		return "that subdomain belongs to another user"
	case 4007:
		return "domain limit reached for your plan"
	case 4008:
		return "could not claim a subdomain, try again"
	}
	return ""
}

func printBanner(subdomain string) {
	host := publicHost(cfg.ServerURL)
	fmt.Println()
	fmt.Println("  Your tunnel is live!")
	fmt.Printf("  https://%s.%s\n", subdomain, host)
	fmt.Printf("  -> 127.0.0.1:%d\n", cfg.Port)
	fmt.Println()
}

func publicHost(server string) string {
	u, err := url.Parse(server)
	if err != nil || u.Host == "" {
		return "knrog.online"
	}
	return strings.TrimPrefix(u.Hostname(), "api.")
}
