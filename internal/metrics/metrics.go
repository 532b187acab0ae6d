package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsTotal counts ended sessions by how they ended (commit, rollback).
	SessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bunlock_sessions_total",
			Help: "Total number of sessions by outcome",
		},
		[]string{"outcome"},
	)
	// VersionConflictsTotal counts optimistic checks that failed, by operation.
	VersionConflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bunlock_version_conflicts_total",
			Help: "Total number of version conflicts detected on write or merge",
		},
		[]string{"operation"},
	)
	// LockWaitSeconds is the time spent waiting for a granted lock.
	LockWaitSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bunlock_lock_wait_seconds",
			Help:    "Time spent waiting for pessimistic locks in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode"},
	)
	// LockTimeoutsTotal counts lock requests that gave up waiting.
	LockTimeoutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bunlock_lock_timeouts_total",
			Help: "Total number of lock requests that timed out",
		},
		[]string{"mode"},
	)
	// ConversationsTotal counts finished conversations by terminal phase.
	ConversationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bunlock_conversations_total",
			Help: "Total number of conversations by terminal phase",
		},
		[]string{"phase"},
	)
	// RequestTotal counts HTTP requests by method and route.
	RequestTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bunlock_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)
	// RequestDuration is the latency of HTTP requests.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bunlock_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)
