package util

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// GracefulShutdown stops registered resources in priority order. Resources
// sharing a priority are stopped concurrently.
type GracefulShutdown struct {
	resources []ShutdownResource
	mu        sync.Mutex
	logger    *logrus.Logger
	timeout   time.Duration
}

// ShutdownResource represents a resource that needs graceful shutdown
type ShutdownResource struct {
	Name     string
	Shutdown func(context.Context) error
	Priority int // Lower numbers shut down first
}

// NewGracefulShutdown creates a new graceful shutdown manager
func NewGracefulShutdown(logger *logrus.Logger, timeout time.Duration) *GracefulShutdown {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &GracefulShutdown{
		logger:  logger,
		timeout: timeout,
	}
}

// Register adds a resource to be shut down
func (gs *GracefulShutdown) Register(resource ShutdownResource) {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	gs.resources = append(gs.resources, resource)
	sort.SliceStable(gs.resources, func(i, j int) bool {
		return gs.resources[i].Priority < gs.resources[j].Priority
	})

	gs.logger.WithFields(logrus.Fields{
		"resource": resource.Name,
		"priority": resource.Priority,
	}).Debug("Registered resource for graceful shutdown")
}

// Shutdown stops every registered resource, tier by tier, within the timeout
func (gs *GracefulShutdown) Shutdown(ctx context.Context) error {
	gs.mu.Lock()
	resources := make([]ShutdownResource, len(gs.resources))
	copy(resources, gs.resources)
	gs.mu.Unlock()

	gs.logger.WithField("resource_count", len(resources)).Info("Starting graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(ctx, gs.timeout)
	defer cancel()

	var (
		errMu  sync.Mutex
		failed []error
	)
	record := func(err error) {
		errMu.Lock()
		failed = append(failed, err)
		errMu.Unlock()
	}

	for start := 0; start < len(resources); {
		end := start
		for end < len(resources) && resources[end].Priority == resources[start].Priority {
			end++
		}

		var g errgroup.Group
		for _, res := range resources[start:end] {
			res := res
			g.Go(func() error {
				if err := gs.stop(shutdownCtx, res); err != nil {
					record(err)
				}
				return nil
			})
		}
		g.Wait()
		start = end
	}

	if len(failed) > 0 {
		return &MultiShutdownError{Errors: failed}
	}

	gs.logger.Info("Graceful shutdown completed successfully")
	return nil
}

func (gs *GracefulShutdown) stop(ctx context.Context, res ShutdownResource) (err error) {
	defer func() {
		if r := recover(); r != nil {
			gs.logger.WithFields(logrus.Fields{
				"panic":    r,
				"resource": res.Name,
			}).Error("Panic during resource shutdown")
			err = &ShutdownError{Resource: res.Name, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	done := make(chan error, 1)
	go func() {
		done <- res.Shutdown(ctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			gs.logger.WithError(err).WithField("resource", res.Name).Error("Error shutting down resource")
			return &ShutdownError{Resource: res.Name, Err: err}
		}
		gs.logger.WithField("resource", res.Name).Debug("Resource shut down successfully")
		return nil
	case <-ctx.Done():
		gs.logger.WithField("resource", res.Name).Warn("Shutdown timeout for resource")
		return &ShutdownError{Resource: res.Name, Err: ctx.Err()}
	}
}

// ShutdownError reports a resource that failed to stop cleanly
type ShutdownError struct {
	Resource string
	Err      error
}

func (e *ShutdownError) Error() string {
	return "shutdown error for " + e.Resource + ": " + e.Err.Error()
}

func (e *ShutdownError) Unwrap() error {
	return e.Err
}

// MultiShutdownError collects every failure from one shutdown
type MultiShutdownError struct {
	Errors []error
}

func (e *MultiShutdownError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		msgs[i] = err.Error()
	}
	return "errors during shutdown: " + strings.Join(msgs, "; ")
}
