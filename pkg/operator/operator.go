// Package operator sequences reconciliation: it debounces resource events,
// rebuilds the desired ruleset, diffs it against the live host, and applies
// the resulting batches in strict order with bounded retries. At most one
// pass is ever in flight.
package operator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/getbetter-ro/epok/pkg/batch"
	"github.com/getbetter-ro/epok/pkg/config"
	"github.com/getbetter-ro/epok/pkg/executor"
	"github.com/getbetter-ro/epok/pkg/resource"
	"github.com/getbetter-ro/epok/pkg/rules"
)

// Operator owns the reconciliation loop.
type Operator struct {
	exec    executor.Executor
	policy  executor.RetryPolicy
	options func() *config.Options
	events  <-chan resource.State
	kicks   <-chan struct{}
	logger  *zap.Logger
	clk     clock
}

// New creates an Operator. options is re-read on every pass so config
// hot-reloads take effect without restarting the loop; kicks triggers a pass
// with the last seen state (config reloads use it) and may be nil.
func New(
	exec executor.Executor,
	policy executor.RetryPolicy,
	options func() *config.Options,
	events <-chan resource.State,
	kicks <-chan struct{},
	logger *zap.Logger,
) *Operator {
	return &Operator{
		exec:    exec,
		policy:  policy,
		options: options,
		events:  events,
		kicks:   kicks,
		logger:  logger,
		clk:     systemClock{},
	}
}

// Run drives the state machine until the context is cancelled: Idle waits
// for an event, a kick, or the resync timer; Debouncing coalesces a burst
// behind a quiet-period timer that every new event resets; then one
// reconcile pass runs to completion. A failed pass never stops the loop —
// the next trigger or resync retries from scratch.
func (o *Operator) Run(ctx context.Context) error {
	var (
		state     resource.State
		haveState bool
	)

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("operator stopped")
			return nil

		case st := <-o.events:
			state = st
			haveState = true

		case <-o.kicks:
			if !haveState {
				continue
			}

		case <-o.clk.After(o.options().Resync):
			if !haveState {
				continue
			}
			o.logger.Debug("periodic resync")
			o.pass(ctx, state)
			continue
		}

		if !o.debounce(ctx, &state, &haveState) {
			return nil
		}
		o.pass(ctx, state)
	}
}

// debounce coalesces the burst in progress: every further event or kick
// resets the quiet-period timer. It returns false when the context ends.
func (o *Operator) debounce(ctx context.Context, state *resource.State, haveState *bool) bool {
	quiet := o.clk.After(o.options().Debounce)
	for {
		select {
		case <-ctx.Done():
			return false
		case st := <-o.events:
			*state = st
			*haveState = true
			quiet = o.clk.After(o.options().Debounce)
		case <-o.kicks:
			quiet = o.clk.After(o.options().Debounce)
		case <-quiet:
			return true
		}
	}
}

// pass runs one reconcile and logs the outcome. Errors mark the pass failed
// but never propagate: partial application is corrected by the next pass's
// fresh diff.
func (o *Operator) pass(ctx context.Context, state resource.State) {
	if err := o.Reconcile(ctx, state); err != nil {
		o.logger.Error("reconcile pass failed", zap.Error(err))
	}
}

// Reconcile performs a single full pass: build desired state, read live
// state, diff, batch, apply. Batches execute strictly in order; a batch
// only starts after its predecessor succeeded.
func (o *Operator) Reconcile(ctx context.Context, state resource.State) error {
	opts := o.options()

	desired := rules.BuildDesired(state, opts.Interfaces, opts.ExternalInterface, o.logger)

	var saved string
	err := o.policy.Do(ctx, func() error {
		var saveErr error
		saved, saveErr = o.exec.SaveRules(ctx)
		return saveErr
	})
	if err != nil {
		return fmt.Errorf("failed to read live ruleset: %w", err)
	}
	live := rules.ParseLive(saved)

	commands := rules.Diff(desired, live)
	if len(commands) == 0 {
		o.logger.Debug("ruleset in sync",
			zap.Int("desired", desired.Len()),
			zap.Int("live", live.Len()),
		)
		return nil
	}

	batches := batch.Pack(commands, opts.BatchSize, opts.BatchCommands)
	o.logger.Info("applying ruleset changes",
		zap.Int("desired", desired.Len()),
		zap.Int("live", live.Len()),
		zap.Int("commands", len(commands)),
		zap.Int("batches", len(batches)),
	)

	for i, b := range batches {
		err := o.policy.Do(ctx, func() error {
			return o.exec.Apply(ctx, b)
		})
		if err != nil {
			o.logger.Error("batch failed",
				zap.Int("batch", i+1),
				zap.Int("batches", len(batches)),
				zap.Strings("fingerprints", fingerprints(b)),
				zap.Error(err),
			)
			return fmt.Errorf("apply batch %d of %d: %w", i+1, len(batches), err)
		}
	}

	o.logger.Info("reconcile pass completed", zap.Int("commands", len(commands)))
	return nil
}

func fingerprints(b batch.Batch) []string {
	fps := make([]string, 0, len(b.Commands))
	for _, cmd := range b.Commands {
		fps = append(fps, cmd.Fingerprint)
	}
	return fps
}
