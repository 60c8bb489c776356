// Copyright 2024 The gVisor Authors.
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

package binder

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "binder"

// Transaction kinds, as reported in the "kind" label of
// binder_transactions_total.
const (
	kindCall   = "call"
	kindOneway = "oneway"
	kindReply  = "reply"
)

// metrics are the driver's Prometheus metrics.
type metrics struct {
	transactions       *prometheus.CounterVec
	transactionErrors  *prometheus.CounterVec
	transactionBytes   prometheus.Histogram
	onewayQueued       prometheus.Gauge
	sharedMemoryBytes  prometheus.Gauge
	deathNotifications prometheus.Counter
	processes          prometheus.Gauge
}

// newMetrics creates the driver's metrics and registers them with reg. If reg
// is nil the metrics are not registered.
func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		transactions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "transactions_total",
				Help:      "Transactions and replies delivered, by kind.",
			},
			[]string{"kind"},
		),
		transactionErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "transaction_errors_total",
				Help:      "Transactions and replies that failed, by error kind.",
			},
			[]string{"kind"},
		),
		transactionBytes: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "transaction_bytes",
				Help:      "Size of transaction payloads copied into shared memory.",
				Buckets:   prometheus.ExponentialBuckets(8, 4, 10),
			},
		),
		onewayQueued: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "oneway_queued",
				Help:      "Oneway transactions waiting behind another oneway transaction to the same object.",
			},
		),
		sharedMemoryBytes: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "shared_memory_allocated_bytes",
				Help:      "Bytes handed out by the shared memory allocators of live processes.",
			},
		),
		deathNotifications: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "death_notifications_total",
				Help:      "BR_DEAD_BINDER notifications queued.",
			},
		),
		processes: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "processes",
				Help:      "Processes with the binder device open.",
			},
		),
	}
}
