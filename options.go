// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package eventcore

import "time"

// loopConfig holds resolved Loop configuration.
type loopConfig struct {
	deferredProcessingEnabled bool
	rejectDeadlySignals       bool
	pollTick                  time.Duration
	logger                    Logger
	metricsEnabled            bool
}

// LoopOption configures a Loop at construction time.
type LoopOption interface {
	applyLoop(*loopConfig)
}

type loopOptionFunc func(*loopConfig)

func (f loopOptionFunc) applyLoop(cfg *loopConfig) { f(cfg) }

// WithDeferredProcessing toggles whether deferred (UI-visible) events are
// surfaced by PollEvents. Fast events (stream/process completions) are
// always surfaced regardless of this setting.
func WithDeferredProcessing(enabled bool) LoopOption {
	return loopOptionFunc(func(cfg *loopConfig) { cfg.deferredProcessingEnabled = enabled })
}

// WithRejectDeadlySignals arms or disarms the "reject deadly signals"
// critical-section flag at construction time; Loop.SetRejectDeadlySignals
// toggles it at runtime.
func WithRejectDeadlySignals(enabled bool) LoopOption {
	return loopOptionFunc(func(cfg *loopConfig) { cfg.rejectDeadlySignals = enabled })
}

// WithFileTickInterval sets the period at which regular-file handles poll
// for readability via a synchronous bounded read, instead of a reactor
// event (regular files are always "ready" under epoll/kqueue, so they need
// a cooperative tick). Default 4ms.
func WithFileTickInterval(d time.Duration) LoopOption {
	return loopOptionFunc(func(cfg *loopConfig) {
		if d > 0 {
			cfg.pollTick = d
		}
	})
}

// WithMetrics enables counter tracking on the Loop, readable via
// Loop.Metrics().Snapshot(loop).
func WithMetrics(enabled bool) LoopOption {
	return loopOptionFunc(func(cfg *loopConfig) { cfg.metricsEnabled = enabled })
}

func resolveLoopOptions(opts []LoopOption) *loopConfig {
	cfg := &loopConfig{pollTick: 4 * time.Millisecond, logger: noopLogger{}}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt.applyLoop(cfg)
	}
	return cfg
}
