// Copyright 2026 Quilt App, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package netstate tracks network reachability and app focus, kicking off a
// sync pass whenever the device comes back online.
package netstate

import (
	"context"
	"errors"
	"sync"

	"github.com/quiltapp/satchel/log"
	"github.com/quiltapp/satchel/pkg/syncer"
)

// Runner starts a sync pass. Satisfied by a closure over Syncer.Run.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context) error

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context) error { return f(ctx) }

// Logger captures structured output for state transitions.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Option customises monitor construction.
type Option func(*Monitor)

// WithLogger overrides the default logger.
func WithLogger(logger Logger) Option {
	return func(m *Monitor) {
		m.logger = logger
	}
}

// WithInitialState seeds the reachability and focus flags before any event
// arrives.
func WithInitialState(online, focused bool) Option {
	return func(m *Monitor) {
		m.online = online
		m.focused = focused
	}
}

// Monitor consumes reachability and focus transitions. A transition into
// "online" (and a return to foreground while online) starts one sync pass;
// a pass already in flight is left alone.
type Monitor struct {
	runner Runner
	logger Logger

	mu      sync.Mutex
	online  bool
	focused bool
}

// NewMonitor constructs a monitor. The device is assumed online and
// foregrounded until events say otherwise.
func NewMonitor(runner Runner, opts ...Option) *Monitor {
	m := &Monitor{
		runner:  runner,
		logger:  log.GetLogger("netstate"),
		online:  true,
		focused: true,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = log.GetLogger("netstate")
	}
	return m
}

// IsOnline reports the last observed reachability state. Write paths consult
// it to skip doomed network attempts and enqueue directly.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// HandleReachability records a reachability change and triggers a sync pass
// on the offline-to-online transition.
func (m *Monitor) HandleReachability(ctx context.Context, online bool) {
	m.mu.Lock()
	was := m.online
	m.online = online
	m.mu.Unlock()

	if online && !was {
		m.logger.Infof("netstate: connectivity restored, starting sync")
		m.trigger(ctx)
	} else if !online && was {
		m.logger.Infof("netstate: connectivity lost")
	}
}

// HandleFocus records a foreground/background transition. Returning to the
// foreground while online starts a sync pass, catching up on anything queued
// while the app was backgrounded.
func (m *Monitor) HandleFocus(ctx context.Context, foreground bool) {
	m.mu.Lock()
	was := m.focused
	m.focused = foreground
	online := m.online
	m.mu.Unlock()

	if foreground && !was && online {
		m.logger.Debugf("netstate: app refocused while online, starting sync")
		m.trigger(ctx)
	}
}

// Watch consumes both event sources until ctx is cancelled or both channels
// are closed.
func (m *Monitor) Watch(ctx context.Context, reachability, focus <-chan bool) {
	for reachability != nil || focus != nil {
		select {
		case <-ctx.Done():
			return
		case online, ok := <-reachability:
			if !ok {
				reachability = nil
				continue
			}
			m.HandleReachability(ctx, online)
		case foreground, ok := <-focus:
			if !ok {
				focus = nil
				continue
			}
			m.HandleFocus(ctx, foreground)
		}
	}
}

func (m *Monitor) trigger(ctx context.Context) {
	if m.runner == nil {
		return
	}
	err := m.runner.Run(ctx)
	switch {
	case err == nil:
	case errors.Is(err, syncer.ErrSyncRunning):
		m.logger.Debugf("netstate: sync already in flight")
	default:
		m.logger.Warnf("netstate: sync pass failed: %v", err)
	}
}
