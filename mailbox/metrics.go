// Copyright 2026 The Waypost Authors
// SPDX-License-Identifier: Apache-2.0

package mailbox

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricActiveMailboxes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "waypost_mailbox_active_mailboxes",
		Help: "Number of live mailboxes in the store.",
	})

	metricMessagesPosted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "waypost_mailbox_messages_posted_total",
		Help: "Messages accepted into a mailbox queue or handed directly to a waiter.",
	})

	metricMessagesDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "waypost_mailbox_messages_delivered_total",
		Help: "Messages consumed by a get.",
	})

	metricMessagesEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "waypost_mailbox_messages_evicted_total",
		Help: "Messages dropped by TTL expiry or mailbox eviction, never delivered.",
	})

	metricMailboxesEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "waypost_mailbox_mailboxes_evicted_total",
		Help: "Idle mailboxes removed by the eviction sweep or the admin API.",
	})

	metricRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "waypost_mailbox_rejections_total",
		Help: "Rejected requests by stable error kind.",
	}, []string{"op", "kind"})

	metricRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "waypost_mailbox_request_seconds",
		Help: "Request handling time by operation, long-poll wait included.",
		// Long-polls legitimately take tens of seconds.
		Buckets: []float64{.001, .005, .025, .1, .5, 1, 5, 15, 30, 60},
	}, []string{"op"})
)
