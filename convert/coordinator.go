package convert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/wolfeidau/doccache"
	"github.com/wolfeidau/doccache/resolver"
	"github.com/wolfeidau/doccache/store"
)

const (
	// DefaultConcurrency is how many converter processes may run at once.
	DefaultConcurrency = 2

	// DefaultWaitTimeout is how long a request waits on an in-flight
	// conversion before giving up.
	DefaultWaitTimeout = 2 * time.Minute
)

// errWaitTimeout marks a waiter that gave up on an in-flight conversion.
// The flight itself keeps running for other waiters.
var errWaitTimeout = fmt.Errorf("%w: timed out waiting for in-flight conversion", doccache.ErrConversionTimeout)

// Recorder receives usage counts for the statistics aggregator.
type Recorder interface {
	Conversion(ext string, format doccache.OutputFormat)
	CacheHit(ext string, format doccache.OutputFormat)
}

type nopRecorder struct{}

func (nopRecorder) Conversion(string, doccache.OutputFormat) {}
func (nopRecorder) CacheHit(string, doccache.OutputFormat)   {}

// Coordinator ensures each fingerprint is converted at most once at a
// time. Concurrent requests for the same fingerprint share a single
// flight via singleflight; each caller waits with its own deadline while
// the flight runs on a detached context. Converter invocations across
// different fingerprints pass through a bounded semaphore gate.
type Coordinator struct {
	store       *store.Store
	resolver    *resolver.Resolver
	converter   Converter
	group       singleflight.Group
	gate        *semaphore.Weighted
	waitTimeout time.Duration
	recorder    Recorder
	logger      *slog.Logger
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithConcurrency sets how many converter invocations may run at once.
func WithConcurrency(n int64) CoordinatorOption {
	return func(c *Coordinator) {
		c.gate = semaphore.NewWeighted(n)
	}
}

// WithWaitTimeout sets how long a caller waits on an in-flight conversion.
func WithWaitTimeout(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		c.waitTimeout = d
	}
}

// WithRecorder sets the statistics recorder.
func WithRecorder(r Recorder) CoordinatorOption {
	return func(c *Coordinator) {
		c.recorder = r
	}
}

// WithLogger sets the logger for the coordinator.
func WithLogger(logger *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// NewCoordinator creates a Coordinator over the given store, resolver and
// converter.
func NewCoordinator(s *store.Store, r *resolver.Resolver, conv Converter, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		store:       s,
		resolver:    r,
		converter:   conv,
		gate:        semaphore.NewWeighted(DefaultConcurrency),
		waitTimeout: DefaultWaitTimeout,
		recorder:    nopRecorder{},
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Ensure returns a ready entry for (descriptor, format), converting the
// source if the cache has no artifact. The bool reports a cache hit.
//
// A caller that joined a flight started by someone else retries once
// after that flight fails: the failure may belong to the winner's
// request, not this one. The winner never retries its own failure.
func (c *Coordinator) Ensure(ctx context.Context, desc doccache.SourceDescriptor, format doccache.OutputFormat) (*store.Entry, bool, error) {
	key := doccache.NewFingerprint(desc, format)

	if entry, err := c.store.Lookup(ctx, key); err == nil && entry.State == store.StateReady {
		c.recorder.CacheHit(entry.SourceExt, format)
		return entry, true, nil
	}

	entry, executed, err := c.flight(ctx, key, desc, format)
	if err == nil {
		return entry, false, nil
	}

	if !executed && retryable(err) {
		// singleflight drops a completed call before delivering its
		// result, so this DoChan starts a fresh flight and concurrent
		// retries coalesce on it.
		c.logger.Debug("retrying after shared flight failure",
			"key", key.ShortString(), "error", err)

		entry, _, err = c.flight(ctx, key, desc, format)
		if err == nil {
			return entry, false, nil
		}
	}

	return nil, false, err
}

// retryable reports whether a shared-flight failure is worth one retry.
// Caller cancellation, waiter timeouts and claims held elsewhere are not.
func retryable(err error) bool {
	switch {
	case errors.Is(err, errWaitTimeout),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, doccache.ErrAlreadyPending):
		return false
	}
	return true
}

// flight joins (or starts) the singleflight for a key and waits for it
// with the caller's deadline. The returned bool reports whether this
// caller's closure ran, i.e. it was the winner that started the flight.
func (c *Coordinator) flight(ctx context.Context, key doccache.Fingerprint, desc doccache.SourceDescriptor, format doccache.OutputFormat) (*store.Entry, bool, error) {
	var executed atomic.Bool
	ch := c.group.DoChan(key.String(), func() (any, error) {
		executed.Store(true)
		// Detached context: no single caller's cancellation stops the
		// conversion for everyone else.
		return c.runConversion(context.WithoutCancel(ctx), key, desc, format)
	})

	timer := time.NewTimer(c.waitTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, executed.Load(), res.Err
		}
		return res.Val.(*store.Entry), executed.Load(), nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case <-timer.C:
		return nil, false, errWaitTimeout
	}
}

// runConversion is the winner's work: claim the fingerprint, resolve the
// source, convert, publish. Any failure deletes the claim so a later
// request starts fresh.
func (c *Coordinator) runConversion(ctx context.Context, key doccache.Fingerprint, desc doccache.SourceDescriptor, format doccache.OutputFormat) (*store.Entry, error) {
	if _, err := c.store.BeginPending(ctx, key, desc, format, desc.Ext()); err != nil {
		// The claim is lost when another flight published between this
		// caller's lookup miss and its DoChan; serve that result.
		if errors.Is(err, doccache.ErrAlreadyPending) {
			if entry, lerr := c.store.Lookup(ctx, key); lerr == nil && entry.State == store.StateReady {
				c.recorder.CacheHit(entry.SourceExt, format)
				return entry, nil
			}
		}
		return nil, err
	}

	entry, err := c.doConvert(ctx, key, desc, format)
	if err != nil {
		if ferr := c.store.MarkFailed(ctx, key); ferr != nil {
			c.logger.Warn("cleaning up failed conversion",
				"key", key.ShortString(), "error", ferr)
		}
		return nil, err
	}
	return entry, nil
}

func (c *Coordinator) doConvert(ctx context.Context, key doccache.Fingerprint, desc doccache.SourceDescriptor, format doccache.OutputFormat) (*store.Entry, error) {
	resolved, err := c.resolver.Resolve(ctx, key, desc)
	if err != nil {
		return nil, err
	}

	if resolved.Ext != desc.Ext() {
		if err := c.store.UpdateSourceExt(ctx, key, resolved.Ext); err != nil {
			return nil, err
		}
	}

	// PDF sources need no converter for PDF output: publish the original
	// bytes as the artifact.
	if format == doccache.FormatPDF && resolved.Ext == ".pdf" {
		_, body, err := c.store.OpenOriginal(ctx, key)
		if err != nil {
			return nil, err
		}
		defer body.Close()

		entry, err := c.store.Publish(ctx, key, body)
		if err != nil {
			return nil, err
		}
		c.recorder.Conversion(resolved.Ext, format)
		return entry, nil
	}

	src, cleanup, err := c.store.MaterializeOriginal(ctx, key)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	if err := c.gate.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquiring converter slot: %w", err)
	}
	artifact, err := c.converter.Convert(ctx, src, format)
	c.gate.Release(1)
	if err != nil {
		return nil, err
	}
	defer artifact.Close()

	entry, err := c.store.Publish(ctx, key, artifact)
	if err != nil {
		return nil, err
	}

	c.recorder.Conversion(resolved.Ext, format)
	return entry, nil
}
