// Copyright 2026 The Waypost Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricActiveAllocations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "waypost_relay_active_allocations",
		Help: "Allocations currently in the table.",
	})

	metricAllocationsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "waypost_relay_allocations_created_total",
		Help: "Allocations created from a first token presentation.",
	})

	metricAllocationsResumed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "waypost_relay_allocations_resumed_total",
		Help: "Token re-presentations resolved to an existing allocation.",
	})

	metricAllocationsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "waypost_relay_allocations_expired_total",
		Help: "Allocations swept into Expired past their deadline.",
	})

	metricAllocationsTerminated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "waypost_relay_allocations_terminated_total",
		Help: "Allocations torn down by a peer or an operator.",
	})

	metricAllocationsExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "waypost_relay_allocations_quota_exhausted_total",
		Help: "Allocations that hit their byte quota.",
	})

	metricBytesForwarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "waypost_relay_bytes_forwarded_total",
		Help: "Payload bytes forwarded, by direction.",
	}, []string{"direction"})

	metricForwardRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "waypost_relay_forward_rejections_total",
		Help: "Rejected data frames by stable error kind.",
	}, []string{"kind"})

	metricAttachRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "waypost_relay_attach_rejections_total",
		Help: "Rejected attach attempts by stable error kind.",
	}, []string{"kind"})
)

// directionLabel names a forwarding direction for metrics.
func directionLabel(fromSide int) string {
	if fromSide == SideA {
		return "a_to_b"
	}
	return "b_to_a"
}
