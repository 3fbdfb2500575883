//go:build linux

package executor

import (
	"github.com/vishvananda/netlink"
	"go.uber.org/zap"
)

// ValidateInterfaces checks that each configured interface exists on this
// host. Missing interfaces are logged, not fatal: rules for them install
// fine and start matching once the interface appears.
func ValidateInterfaces(names []string, logger *zap.Logger) {
	for _, name := range names {
		if _, err := netlink.LinkByName(name); err != nil {
			logger.Warn("configured interface not found on host",
				zap.String("interface", name),
				zap.Error(err),
			)
		}
	}
}
