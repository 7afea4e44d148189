package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/basket/labclaw/internal/config"
)

// gatewayURL resolves the base URL of a local gateway from an explicit
// flag or bind_addr.
func gatewayURL(explicit string, cfg config.Config) string {
	if explicit != "" {
		return strings.TrimRight(explicit, "/")
	}
	addr := strings.TrimSpace(cfg.BindAddr)
	if addr == "" {
		addr = "127.0.0.1:18790"
	}
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "127.0.0.1"
		}
		addr = net.JoinHostPort(host, port)
	}
	return "http://" + addr
}

func (c *StatusCmd) Run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}
	ok, err := fetchHealth(ctx, gatewayURL(c.URL, cfg), os.Stdout)
	if err != nil {
		return err
	}
	if !ok {
		return errSilentExit
	}
	return nil
}

// fetchHealth copies the /healthz body to out and reports whether the
// gateway answered 200.
func fetchHealth(ctx context.Context, baseURL string, out io.Writer) (bool, error) {
	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, baseURL+"/healthz", nil)
	if err != nil {
		return false, fmt.Errorf("request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("status: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	_, _ = out.Write(body)
	if len(body) == 0 || body[len(body)-1] != '\n' {
		_, _ = out.Write([]byte("\n"))
	}
	return resp.StatusCode == http.StatusOK, nil
}
