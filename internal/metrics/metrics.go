// Copyright 2025 The ArckFS Authors
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

// Package metrics holds the in-process Prometheus counters the core emits:
// allocator retries, lease transitions, ring backpressure, agent latency,
// and journal replays. Nothing is exported to a remote backend; fsck and
// tests read the registry directly.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the set of instruments shared by the Supervisor and Client
// halves. Construct one per file-system instance with New and pass it down
// explicitly.
type Metrics struct {
	AllocRetries    prometheus.Counter
	AllocNoSpace    prometheus.Counter
	LeaseAcquired   *prometheus.CounterVec // mode: "read" | "write"
	LeaseExpired    prometheus.Counter
	LeaseContention prometheus.Counter

	RingFull       prometheus.Counter
	AgentRequests  *prometheus.CounterVec // type: "read" | "write" | "clear"
	AgentDuration  prometheus.Histogram
	DelegationsIssued    prometheus.Counter
	DelegationsCompleted prometheus.Counter

	JournalReplayedEntries prometheus.Counter
	JournalTransactions    prometheus.Counter
}

// New constructs and registers the instrument set on reg. Passing
// prometheus.NewRegistry() gives each test its own isolated instance.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AllocRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arckfs_alloc_retries_total",
			Help: "Free-list candidate retries before an allocation succeeded.",
		}),
		AllocNoSpace: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arckfs_alloc_nospace_total",
			Help: "Allocations that failed with ENOSPC after retries.",
		}),
		LeaseAcquired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arckfs_lease_acquired_total",
			Help: "Successful lease acquisitions by mode.",
		}, []string{"mode"}),
		LeaseExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arckfs_lease_expired_total",
			Help: "Leases taken over from an expired owner.",
		}),
		LeaseContention: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arckfs_lease_contention_total",
			Help: "Lease acquisitions rejected with EAGAIN by an unexpired holder.",
		}),
		RingFull: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arckfs_ring_full_total",
			Help: "Delegation sends rejected because the ring was full.",
		}),
		AgentRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arckfs_agent_requests_total",
			Help: "Delegation requests completed by Agents, by type.",
		}, []string{"type"}),
		AgentDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "arckfs_agent_request_duration_seconds",
			Help:    "Wall time an Agent spent on one delegation request.",
			Buckets: prometheus.ExponentialBuckets(1e-6, 4, 12),
		}),
		DelegationsIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arckfs_delegations_issued_total",
			Help: "Delegation requests issued by Clients.",
		}),
		DelegationsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arckfs_delegations_completed_total",
			Help: "Delegation completions observed by Clients.",
		}),
		JournalReplayedEntries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arckfs_journal_replayed_entries_total",
			Help: "Undo entries written back during mount-time journal recovery.",
		}),
		JournalTransactions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arckfs_journal_transactions_total",
			Help: "Journaled transactions committed.",
		}),
	}

	reg.MustRegister(
		m.AllocRetries, m.AllocNoSpace,
		m.LeaseAcquired, m.LeaseExpired, m.LeaseContention,
		m.RingFull, m.AgentRequests, m.AgentDuration,
		m.DelegationsIssued, m.DelegationsCompleted,
		m.JournalReplayedEntries, m.JournalTransactions,
	)
	return m
}

// NewUnregistered returns an instrument set not bound to any registry, for
// subsystems constructed without a metrics sink (e.g. fsck dry runs).
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}
