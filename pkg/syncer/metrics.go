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

package syncer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics receives per-pass counters from the syncer.
type Metrics interface {
	SyncedActions(n int)
	RetriedActions(n int)
	AbandonedActions(n int)
}

type noopMetrics struct{}

func (noopMetrics) SyncedActions(int)    {}
func (noopMetrics) RetriedActions(int)   {}
func (noopMetrics) AbandonedActions(int) {}

// PromMetrics exports sync counters to a Prometheus registry.
type PromMetrics struct {
	synced    prometheus.Counter
	retried   prometheus.Counter
	abandoned prometheus.Counter
}

// NewPromMetrics registers the sync counters with reg.
func NewPromMetrics(reg prometheus.Registerer) *PromMetrics {
	factory := promauto.With(reg)
	return &PromMetrics{
		synced: factory.NewCounter(prometheus.CounterOpts{
			Name: "satchel_sync_actions_synced_total",
			Help: "Queued actions successfully replayed against the backend.",
		}),
		retried: factory.NewCounter(prometheus.CounterOpts{
			Name: "satchel_sync_actions_retried_total",
			Help: "Queued actions that failed and were rescheduled with backoff.",
		}),
		abandoned: factory.NewCounter(prometheus.CounterOpts{
			Name: "satchel_sync_actions_abandoned_total",
			Help: "Queued actions dropped after exhausting retries or failing permanently.",
		}),
	}
}

func (m *PromMetrics) SyncedActions(n int)    { m.synced.Add(float64(n)) }
func (m *PromMetrics) RetriedActions(n int)   { m.retried.Add(float64(n)) }
func (m *PromMetrics) AbandonedActions(n int) { m.abandoned.Add(float64(n)) }
