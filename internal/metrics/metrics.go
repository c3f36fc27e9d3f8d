// SPDX-License-Identifier: MIT

// Package metrics provides Prometheus metrics for the waitline queue core.
// No session_id or party_id labels: cardinality must stay bounded.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Counters

	// PartiesJoinedTotal counts successful joins.
	PartiesJoinedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "waitline_parties_joined_total",
		Help: "Total number of parties that joined a queue.",
	})

	// PartiesRemovedTotal counts terminal party transitions by reason.
	PartiesRemovedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "waitline_parties_removed_total",
		Help: "Total number of parties removed from the live roster, by reason.",
	}, []string{"reason"})

	// AdvanceTotal counts host advance operations.
	AdvanceTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "waitline_advance_total",
		Help: "Total number of advance operations.",
	})

	// NoShowTotal counts call-window expirations.
	NoShowTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "waitline_no_show_total",
		Help: "Total number of called parties marked no-show by the alarm.",
	})

	// SessionsClosedTotal counts session closures by reason.
	SessionsClosedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "waitline_sessions_closed_total",
		Help: "Total number of sessions closed, by reason.",
	}, []string{"reason"})

	// SubscriberDropsTotal counts subscribers dropped on backpressure or send error.
	SubscriberDropsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "waitline_subscriber_drops_total",
		Help: "Total number of subscribers dropped, by cause.",
	}, []string{"cause"})

	// PushSentTotal counts push notifications sent, by kind.
	PushSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "waitline_push_sent_total",
		Help: "Total number of push notifications sent, by kind.",
	}, []string{"kind"})

	// PushFailuresTotal counts push transport failures, by class.
	PushFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "waitline_push_failures_total",
		Help: "Total number of push transport failures, by class.",
	}, []string{"class"})

	// SnapshotWriteFailuresTotal counts non-fatal snapshot write failures.
	SnapshotWriteFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "waitline_snapshot_write_failures_total",
		Help: "Total number of snapshot store write failures.",
	})

	// EventAppendFailuresTotal counts durable log append failures.
	EventAppendFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "waitline_event_append_failures_total",
		Help: "Total number of durable event log append failures.",
	})

	// Gauges

	// SessionsActive tracks currently resident session coordinators.
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "waitline_sessions_active",
		Help: "Current number of active session coordinators.",
	})

	// SubscribersConnected tracks connected subscribers by role.
	SubscribersConnected = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "waitline_subscribers_connected",
		Help: "Current number of connected subscribers, by role.",
	}, []string{"role"})
)
