//go:build tsnet

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"tailscale.com/tsnet"

	"github.com/nextlevelbuilder/clawgate/internal/config"
)

// StartTailscale serves the gateway on a tsnet node in addition to (or
// instead of) the plain TCP listener. The auth key comes from the
// environment only; config never persists it.
func (s *Server) StartTailscale(ctx context.Context, tsCfg config.TailscaleConfig) error {
	authKey := tsCfg.AuthKey
	if authKey == "" {
		authKey = os.Getenv("CLAWGATE_TSNET_AUTH_KEY")
	}
	if authKey == "" {
		return fmt.Errorf("tailscale enabled but CLAWGATE_TSNET_AUTH_KEY is not set")
	}

	stateDir := tsCfg.StateDir
	if stateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolve tsnet state dir: %w", err)
		}
		stateDir = home + "/.clawgate/tsnet"
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return fmt.Errorf("create tsnet state dir: %w", err)
	}

	ts := &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	slog.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := ts.Up(ctx)
	if err != nil {
		ts.Close()
		return fmt.Errorf("tailscale up: %w", err)
	}
	if len(status.TailscaleIPs) > 0 {
		slog.Info("tailscale node ready", "ip", status.TailscaleIPs[0].String())
	}

	var ln net.Listener
	if tsCfg.EnableTLS {
		ln, err = ts.ListenTLS("tcp", ":443")
	} else {
		ln, err = ts.Listen("tcp", fmt.Sprintf(":%d", s.deps.Config.Gateway.Port))
	}
	if err != nil {
		ts.Close()
		return fmt.Errorf("tailscale listen: %w", err)
	}

	srv := &http.Server{Handler: s.BuildMux()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		ts.Close()
	}()

	if err := srv.Serve(ln); err != http.ErrServerClosed {
		return fmt.Errorf("tailscale serve: %w", err)
	}
	return nil
}
