// Package executor runs firewall mutation batches against a target host.
// Two transports exist behind the same interface: direct local execution and
// an authenticated SSH channel. Callers depend only on the interface.
package executor

import (
	"context"

	"github.com/getbetter-ro/epok/pkg/batch"
)

// Executor applies mutation batches and reads back the host's current nat
// rule listing. Implementations must be safe for sequential reuse across
// reconcile passes; concurrent use is not required.
type Executor interface {
	// Apply runs one batch. Commands within the batch execute in order and
	// the first failure aborts the rest of the batch.
	Apply(ctx context.Context, b batch.Batch) error

	// SaveRules returns the host's current nat table in iptables-save form,
	// one rule per line. The live-state reader filters it down to
	// controller-owned rules.
	SaveRules(ctx context.Context) (string, error)

	// Close releases transport resources.
	Close() error
}
