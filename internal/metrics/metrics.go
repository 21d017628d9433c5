package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors of the server.
type Metrics struct {
	// HTTP
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Auth codes
	CodesIssued     prometheus.Counter
	CodeCollisions  prometheus.Counter
	CodeRedemptions *prometheus.CounterVec
	CodesPurged     prometheus.Counter

	// Messaging
	MessagesSent prometheus.Counter
	ReadMarks    prometheus.Counter

	// Hub
	HubClients       prometheus.Gauge
	HubSubscriptions prometheus.Gauge
	HubDeliveries    prometheus.Counter
	HubDropped       *prometheus.CounterVec

	// Store
	StoreAccounts      prometheus.Gauge
	StoreConversations prometheus.Gauge
	StoreMessages      prometheus.Gauge
	StoreActiveCodes   prometheus.Gauge
}

var (
	defaultMetrics *Metrics
	once           sync.Once
)

// Default returns the process-wide metrics, registered on first use.
func Default() *Metrics {
	once.Do(func() {
		defaultMetrics = New(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// New creates collectors registered with reg. Tests pass a fresh
// prometheus.NewRegistry().
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatty_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chatty_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		CodesIssued: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatty_auth_codes_issued_total",
			Help: "Total number of login codes issued",
		}),
		CodeCollisions: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatty_auth_code_collisions_total",
			Help: "Generated codes that collided with a live code",
		}),
		CodeRedemptions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatty_auth_code_redemptions_total",
				Help: "Login code redemption attempts by result",
			},
			[]string{"result"},
		),
		CodesPurged: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatty_auth_codes_purged_total",
			Help: "Expired login codes deleted by the scheduler",
		}),

		MessagesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatty_messages_sent_total",
			Help: "Total number of committed messages",
		}),
		ReadMarks: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatty_messages_marked_read_total",
			Help: "Total number of messages flipped to read",
		}),

		HubClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chatty_hub_clients",
			Help: "Currently connected realtime clients",
		}),
		HubSubscriptions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chatty_hub_subscriptions",
			Help: "Currently active conversation subscriptions",
		}),
		HubDeliveries: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatty_hub_deliveries_total",
			Help: "Events queued to realtime clients",
		}),
		HubDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatty_hub_dropped_total",
				Help: "Events not delivered by reason",
			},
			[]string{"reason"},
		),

		StoreAccounts: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chatty_store_accounts",
			Help: "Number of accounts",
		}),
		StoreConversations: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chatty_store_conversations",
			Help: "Number of conversations",
		}),
		StoreMessages: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chatty_store_messages",
			Help: "Number of messages",
		}),
		StoreActiveCodes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chatty_store_active_auth_codes",
			Help: "Unused, unexpired login codes",
		}),
	}
}
