package observability

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "chat_api_requests_total", Help: "API requests"},
		[]string{"endpoint", "status"},
	)
	ProviderSend = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "chat_provider_send_total", Help: "Provider push outcomes"},
		[]string{"result", "http_status"},
	)
	ProviderLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "chat_provider_send_latency_seconds", Help: "Provider push latency"},
	)
	InboundEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "chat_inbound_events_total", Help: "Webhook events by kind and outcome"},
		[]string{"kind", "result"},
	)
	InboundEnqueues = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "chat_inbound_enqueue_total", Help: "SQS enqueue results for verified deliveries"},
		[]string{"result"},
	)
	MediaUploads = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "chat_media_uploads_total", Help: "Inbound media fetch+upload outcomes"},
		[]string{"result"},
	)
	BroadcastDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "chat_broadcast_deliveries_total", Help: "Frames queued to sessions"},
		[]string{"type"},
	)
	BroadcastDrops = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "chat_broadcast_dropped_sessions_total", Help: "Sessions dropped for a full send buffer"},
	)
	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "chat_ws_sessions", Help: "Connected realtime sessions"},
	)
	EventPublish = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "chat_integration_events_total", Help: "Integration event publish outcomes"},
		[]string{"type", "result"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(APIRequests, ProviderSend, ProviderLatency, InboundEvents, InboundEnqueues,
		MediaUploads, BroadcastDeliveries, BroadcastDrops, ActiveSessions, EventPublish)
}

// RegisterPool exports pgxpool stats as gauges read at scrape time.
func RegisterPool(reg prometheus.Registerer, pool *pgxpool.Pool) {
	gauge := func(name, help string, f func(*pgxpool.Stat) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: "chat_db_pool_" + name, Help: help}, func() float64 {
			return f(pool.Stat())
		})
	}
	reg.MustRegister(
		gauge("acquired_conns", "Connections currently checked out", func(s *pgxpool.Stat) float64 { return float64(s.AcquiredConns()) }),
		gauge("idle_conns", "Idle connections", func(s *pgxpool.Stat) float64 { return float64(s.IdleConns()) }),
		gauge("total_conns", "Open connections", func(s *pgxpool.Stat) float64 { return float64(s.TotalConns()) }),
		gauge("max_conns", "Configured pool ceiling", func(s *pgxpool.Stat) float64 { return float64(s.MaxConns()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{Name: "chat_db_pool_acquire_total", Help: "Successful acquires"}, func() float64 {
			return float64(pool.Stat().AcquireCount())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{Name: "chat_db_pool_empty_acquire_total", Help: "Acquires that waited for a connection"}, func() float64 {
			return float64(pool.Stat().EmptyAcquireCount())
		}),
	)
}
