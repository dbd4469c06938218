package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/nextlevelbuilder/clawgate/internal/config"
	"github.com/nextlevelbuilder/clawgate/internal/execguard"
	"github.com/nextlevelbuilder/clawgate/internal/gateway"
	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

// localNode executes guarded system.run invocations on the gateway host
// itself. Remote node hosts would register alongside it; the gateway's
// approval ledger has already authorized anything that reaches Invoke.
type localNode struct {
	guard *execguard.Guard
	log   *slog.Logger
}

func (n *localNode) ID() string { return "gateway-host" }

func (n *localNode) DisplayName() string {
	host, err := os.Hostname()
	if err != nil {
		return "gateway"
	}
	return host
}

func (n *localNode) Invoke(ctx context.Context, command string, params map[string]any) (any, error) {
	switch command {
	case protocol.NodeCommandSystemRun:
		return n.systemRun(ctx, params)
	case "system.info":
		host, _ := os.Hostname()
		return map[string]any{"hostname": host, "os": runtime.GOOS, "arch": runtime.GOARCH}, nil
	default:
		return nil, fmt.Errorf("unsupported node command %q", command)
	}
}

func (n *localNode) systemRun(ctx context.Context, params map[string]any) (any, error) {
	argv := stringSlice(params["command"])
	if len(argv) == 0 {
		return nil, fmt.Errorf("system.run: command is required")
	}
	cwd, _ := params["cwd"].(string)
	env := map[string]string{}
	if raw, ok := params["env"].(map[string]any); ok {
		for k, v := range raw {
			if s, ok := v.(string); ok {
				env[k] = s
			}
		}
	}
	n.log.Info("security.exec", "argv0", argv[0], "cwd", cwd)
	res, err := n.guard.Run(ctx, argv, cwd, env)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// localNodes is the in-process node directory. It always contains the
// gateway host.
type localNodes struct {
	nodes []gateway.NodeHost
}

func newLocalNodes(cfg *config.Config, log *slog.Logger) gateway.NodeDirectory {
	guard, err := execguard.New(execguard.Options{
		Timeout:      time.Duration(cfg.Exec.TimeoutMs) * time.Millisecond,
		OutputCap:    cfg.Exec.OutputCapBytes,
		DenyPatterns: cfg.Exec.DenyPatterns,
	})
	if err != nil {
		log.Error("exec guard misconfigured; local node disabled", "error", err)
		return &localNodes{}
	}
	return &localNodes{nodes: []gateway.NodeHost{&localNode{guard: guard, log: log}}}
}

func (l *localNodes) List() []gateway.NodeHost { return l.nodes }

func (l *localNodes) Get(id string) (gateway.NodeHost, bool) {
	for _, n := range l.nodes {
		if n.ID() == id {
			return n, true
		}
	}
	return nil, false
}

func stringSlice(v any) []string {
	switch vals := v.(type) {
	case []string:
		return vals
	case []any:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
