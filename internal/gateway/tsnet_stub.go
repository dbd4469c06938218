//go:build !tsnet

package gateway

import (
	"context"
	"fmt"

	"github.com/nextlevelbuilder/clawgate/internal/config"
)

// StartTailscale is unavailable without the tsnet build tag; the tailscale.com
// dependency is heavy enough that plain builds leave it out.
func (s *Server) StartTailscale(ctx context.Context, tsCfg config.TailscaleConfig) error {
	return fmt.Errorf("tailscale support requires building with -tags tsnet")
}
