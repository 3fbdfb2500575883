//go:build !linux

package executor

import "go.uber.org/zap"

// ValidateInterfaces is a no-op on non-Linux hosts, where the local executor
// is only used for development anyway.
func ValidateInterfaces(names []string, logger *zap.Logger) {}
