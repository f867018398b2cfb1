package metrics

import (
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	EscalationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frontdesk_calls_total",
			Help: "Questions handled by the escalation coordinator",
		},
		[]string{"outcome"}, // answered, escalated
	)

	ResolutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frontdesk_resolutions_total",
			Help: "Resolve attempts on help requests",
		},
		[]string{"result"}, // resolved, not_found
	)

	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frontdesk_notifications_total",
			Help: "Cross-service notification attempts",
		},
		[]string{"event", "result"}, // result: sent, stored, failed
	)

	DeliveriesAcknowledged = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "frontdesk_deliveries_acknowledged_total",
			Help: "Resolved answers acknowledged as delivered",
		},
	)

	ActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "frontdesk_relay_active_connections",
			Help: "Open subscriber connections on the relay",
		},
	)

	PrunedConnections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frontdesk_relay_pruned_connections_total",
			Help: "Connections removed after a failed send",
		},
		[]string{"reason"}, // publish, keepalive
	)

	SnapshotCorruptions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frontdesk_snapshot_corruptions_total",
			Help: "Unreadable snapshot files moved aside",
		},
		[]string{"file"},
	)

	QuarantinedRecords = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "frontdesk_ledger_quarantined_records_total",
			Help: "Legacy ledger records that could not be migrated",
		},
	)
)

var initOnce sync.Once

// Init 注册所有指标（重复调用安全）
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			EscalationsTotal,
			ResolutionsTotal,
			NotificationsTotal,
			DeliveriesAcknowledged,
			ActiveConnections,
			PrunedConnections,
			SnapshotCorruptions,
			QuarantinedRecords,
		)
	})
}

// Handler Prometheus 指标端点
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}
