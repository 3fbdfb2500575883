// Package server wires the modules together and manages the process
// lifecycle: config, resource watch, operator, executor.
package server

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/getbetter-ro/epok/pkg/config"
	"github.com/getbetter-ro/epok/pkg/executor"
	"github.com/getbetter-ro/epok/pkg/operator"
	"github.com/getbetter-ro/epok/pkg/watcher"
)

// Server coordinates all modules and manages the overall lifecycle.
type Server struct {
	configMgr *config.Manager
	exec      executor.Executor
	watcher   *watcher.Watcher
	operator  *operator.Operator
	logger    *zap.Logger
}

// New initializes all modules and returns a ready-to-run Server. Failure to
// reach the cluster is a startup error and should exit the process.
func New(configMgr *config.Manager, exec executor.Executor, logger *zap.Logger) (*Server, error) {
	w, err := watcher.New(logger.Named("watcher"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize resource watch: %w", err)
	}
	return newServerWithWatcher(configMgr, exec, w, logger), nil
}

// newServerWithWatcher lets tests inject a watcher over a fake clientset.
func newServerWithWatcher(configMgr *config.Manager, exec executor.Executor, w *watcher.Watcher, logger *zap.Logger) *Server {
	op := operator.New(
		exec,
		executor.DefaultRetryPolicy(),
		configMgr.Options,
		w.Events(),
		configMgr.OnChange(),
		logger.Named("operator"),
	)
	return &Server{
		configMgr: configMgr,
		exec:      exec,
		watcher:   w,
		operator:  op,
		logger:    logger,
	}
}

// Run starts the watch and the reconcile loop and blocks until the context
// is cancelled or the watch fails to establish.
func (s *Server) Run(ctx context.Context) error {
	s.configMgr.Watch()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return s.watcher.Run(ctx) })
	group.Go(func() error { return s.operator.Run(ctx) })

	s.logger.Info("server started")
	err := group.Wait()
	s.shutdown()
	return err
}

// RunOnce waits for the first cluster snapshot, performs a single reconcile
// pass, and shuts down.
func (s *Server) RunOnce(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	watchErr := make(chan error, 1)
	go func() { watchErr <- s.watcher.Run(ctx) }()

	var err error
	select {
	case <-ctx.Done():
		err = ctx.Err()
	case werr := <-watchErr:
		err = fmt.Errorf("resource watch ended before first snapshot: %w", werr)
	case state := <-s.watcher.Events():
		err = s.operator.Reconcile(ctx, state)
	}

	s.shutdown()
	return err
}

// shutdown releases module resources.
func (s *Server) shutdown() {
	if err := s.exec.Close(); err != nil {
		s.logger.Error("failed to close executor", zap.Error(err))
	}
	s.logger.Info("server stopped")
}
