package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/coreos/go-iptables/iptables"
	"go.uber.org/zap"

	"github.com/getbetter-ro/epok/pkg/batch"
	"github.com/getbetter-ro/epok/pkg/rules"
)

// Local executes mutations directly on this host through go-iptables.
type Local struct {
	ipt    *iptables.IPTables
	logger *zap.Logger
}

// NewLocal creates a local executor and verifies the iptables binary is
// usable.
func NewLocal(logger *zap.Logger) (*Local, error) {
	ipt, err := iptables.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create iptables handle: %w", err)
	}
	return &Local{ipt: ipt, logger: logger}, nil
}

// Apply runs each command in the batch through the iptables handle. The
// batch's size bound is a transport concern; locally the commands simply
// execute one by one, in order.
func (l *Local) Apply(ctx context.Context, b batch.Batch) error {
	for _, cmd := range b.Commands {
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(cmd.Args) == 0 {
			return &MalformedError{Instruction: cmd.Rendered}
		}

		var err error
		switch cmd.Kind {
		case rules.Add:
			err = l.ipt.AppendUnique(rules.Table, rules.Chain, cmd.Args...)
		case rules.Remove:
			err = l.ipt.DeleteIfExists(rules.Table, rules.Chain, cmd.Args...)
		default:
			return &MalformedError{Instruction: cmd.Rendered}
		}
		if err != nil {
			return &CommandError{Instruction: cmd.Rendered, Err: err}
		}

		l.logger.Debug("applied rule",
			zap.String("kind", cmd.Kind.String()),
			zap.String("fingerprint", cmd.Fingerprint),
		)
	}
	return nil
}

// SaveRules lists the nat PREROUTING chain in iptables-save form.
func (l *Local) SaveRules(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	lines, err := l.ipt.List(rules.Table, rules.Chain)
	if err != nil {
		return "", &TransportError{Err: fmt.Errorf("failed to list %s %s: %w", rules.Table, rules.Chain, err)}
	}
	return strings.Join(lines, "\n"), nil
}

// Close is a no-op; the iptables handle holds no persistent resources.
func (l *Local) Close() error { return nil }
