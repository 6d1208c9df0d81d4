package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AuthAttempts records authentication attempts by result (success|failure).
	AuthAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blockfall_auth_attempts_total",
			Help: "Total number of authentication attempts",
		},
		[]string{"result"},
	)

	// TokenRotations counts refresh token rotations.
	TokenRotations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "blockfall_token_rotations_total",
			Help: "Total number of refresh token rotations",
		},
	)

	// TokenReuseDetections counts refresh token reuse incidents that triggered
	// family-wide revocation.
	TokenReuseDetections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "blockfall_token_reuse_detections_total",
			Help: "Total number of detected refresh token reuse incidents",
		},
	)

	// ActiveRefreshTokens tracks refresh tokens that are neither expired nor revoked.
	ActiveRefreshTokens = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "blockfall_active_refresh_tokens",
			Help: "Number of active refresh tokens",
		},
	)

	// RateLimitRejections counts requests rejected by the rate limiter.
	RateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blockfall_rate_limit_rejections_total",
			Help: "Total number of rate limited requests",
		},
		[]string{"route"},
	)

	// APILatency measures HTTP request latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "blockfall_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
