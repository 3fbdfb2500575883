package operator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/getbetter-ro/epok/pkg/batch"
	"github.com/getbetter-ro/epok/pkg/config"
	"github.com/getbetter-ro/epok/pkg/executor"
	"github.com/getbetter-ro/epok/pkg/rules"
)

// Teardown removes every controller-owned rule from the host, independent
// of cluster state. Rules without the ownership tag are untouched.
func Teardown(ctx context.Context, exec executor.Executor, policy executor.RetryPolicy, opts *config.Options, logger *zap.Logger) error {
	var saved string
	err := policy.Do(ctx, func() error {
		var saveErr error
		saved, saveErr = exec.SaveRules(ctx)
		return saveErr
	})
	if err != nil {
		return fmt.Errorf("failed to read live ruleset: %w", err)
	}

	live := rules.ParseLive(saved)
	if live.Len() == 0 {
		logger.Info("no owned rules installed, nothing to remove")
		return nil
	}

	commands := rules.RemovalCommands(live)
	batches := batch.Pack(commands, opts.BatchSize, opts.BatchCommands)
	logger.Info("removing all owned rules",
		zap.Int("rules", live.Len()),
		zap.Int("batches", len(batches)),
	)

	for i, b := range batches {
		err := policy.Do(ctx, func() error {
			return exec.Apply(ctx, b)
		})
		if err != nil {
			return fmt.Errorf("apply batch %d of %d: %w", i+1, len(batches), err)
		}
	}

	logger.Info("teardown completed", zap.Int("rules", live.Len()))
	return nil
}
