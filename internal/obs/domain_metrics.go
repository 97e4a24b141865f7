package obs

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Domain collectors are created once and carry no namespace; it is applied
// when they are registered.
var (
	// PaymentCreateTotal counts payment creation outcomes per method.
	PaymentCreateTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_create_total",
		Help: "Count of payment creation outcomes.",
	}, []string{"method", "result"})
	// GatewayRequestTotal counts calls to the payment gateway by operation and outcome.
	GatewayRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_requests_total",
		Help: "Count of payment gateway calls by outcome.",
	}, []string{"operation", "result"})
	// GatewayRequestLatency records gateway call latency in milliseconds.
	GatewayRequestLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_request_duration_ms",
		Help:    "Latency of payment gateway calls in milliseconds.",
		Buckets: []float64{25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
	}, []string{"operation"})
	// NotificationTotal counts inbound gateway notifications by type and outcome.
	NotificationTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_notifications_total",
		Help: "Count of inbound payment notifications by type and outcome.",
	}, []string{"type", "result"})
	// ReconcileTotal counts reconciliation outcomes.
	ReconcileTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_reconcile_total",
		Help: "Count of payment reconciliation outcomes.",
	}, []string{"result"})
	// ActivationTotal counts activation attempts per sink and result.
	ActivationTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_activations_total",
		Help: "Count of activation attempts per sink.",
	}, []string{"sink", "result"})
)

// Namespaced returns reg (the default registerer when nil) prefixing every
// metric name with "<namespace>_".
func Namespaced(namespace string, reg prometheus.Registerer) prometheus.Registerer {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		return reg
	}
	return prometheus.WrapRegistererWithPrefix(namespace+"_", reg)
}

// MustRegister registers cs with reg, ignoring collectors already
// registered. Any other registration error panics.
func MustRegister(reg prometheus.Registerer, cs ...prometheus.Collector) {
	for _, c := range cs {
		var already prometheus.AlreadyRegisteredError
		if err := reg.Register(c); err != nil && !errors.As(err, &already) {
			panic(err)
		}
	}
}

// MustRegisterDomainMetrics registers the domain collectors under namespace.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	MustRegister(Namespaced(namespace, reg),
		PaymentCreateTotal,
		GatewayRequestTotal,
		GatewayRequestLatency,
		NotificationTotal,
		ReconcileTotal,
		ActivationTotal,
	)
}
