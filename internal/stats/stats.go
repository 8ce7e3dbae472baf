// Package stats holds the client's named counters: messages sent and
// received, errors by kind, and retries by operation. They are plain
// Prometheus counters so an embedding application can scrape them with
// whatever collector it already runs.
package stats

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

const namespace = "invalidation_client"

// Counters is the fixed set of counters the Core updates as it runs. Safe
// for concurrent use, same as the underlying Prometheus types.
type Counters struct {
	messagesSent      prometheus.Counter
	messagesReceived  prometheus.Counter
	invalidations     prometheus.Counter
	ackedInvalidation prometheus.Counter
	invalidateAll     prometheus.Counter
	registrationOps   prometheus.Counter
	errors            *prometheus.CounterVec
	retries           *prometheus.CounterVec
}

// New creates a Counters instance and registers every metric against reg.
// Pass prometheus.NewRegistry() in tests to avoid colliding with the
// global default registry across parallel test runs.
func New(reg prometheus.Registerer) (*Counters, error) {
	c := &Counters{
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Outbound protocol messages handed to the transport.",
		}),
		messagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Inbound protocol messages accepted by the message validator.",
		}),
		invalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invalidations_delivered_total",
			Help:      "Invalidations delivered to the application listener.",
		}),
		ackedInvalidation: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acked_invalidations_total",
			Help:      "Invalidations acknowledged upstream after the application consented.",
		}),
		invalidateAll: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invalidate_all_total",
			Help:      "OBJECT_CONTROL messages carrying the invalidate-all repeat flag.",
		}),
		registrationOps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registration_ops_total",
			Help:      "Register/Unregister calls accepted by the registration manager.",
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Errors observed, broken down by kind.",
		}, []string{"kind"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Retries attempted, broken down by operation.",
		}, []string{"operation"}),
	}

	collectors := []prometheus.Collector{
		c.messagesSent, c.messagesReceived, c.invalidations, c.ackedInvalidation,
		c.invalidateAll, c.registrationOps, c.errors, c.retries,
	}
	for _, col := range collectors {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// MessageSent records one outbound message handed to the transport.
func (c *Counters) MessageSent() { c.messagesSent.Inc() }

// MessageReceived records one inbound message accepted by the validator.
func (c *Counters) MessageReceived() { c.messagesReceived.Inc() }

// InvalidationDelivered records one invalidation delivered to the
// application listener.
func (c *Counters) InvalidationDelivered() { c.invalidations.Inc() }

// AckedInvalidation records one invalidation acknowledged upstream.
func (c *Counters) AckedInvalidation() { c.ackedInvalidation.Inc() }

// InvalidateAllReceived records one OBJECT_CONTROL message carrying the
// invalidate-all repeat flag.
func (c *Counters) InvalidateAllReceived() { c.invalidateAll.Inc() }

// RegistrationOp records one accepted Register/Unregister call.
func (c *Counters) RegistrationOp() { c.registrationOps.Inc() }

// Error records one error of the given kind (e.g. "transport",
// "malformed-message", "token-mismatch", "nonce-mismatch", "validation").
func (c *Counters) Error(kind string) { c.errors.WithLabelValues(kind).Inc() }

// NonceMismatch records an ASSIGN_CLIENT_ID response whose nonce did not
// match the outstanding request.
func (c *Counters) NonceMismatch() { c.Error("nonce-mismatch") }

// Retry records one retry of the given operation (e.g. "registration",
// "assign-client-id").
func (c *Counters) Retry(operation string) { c.retries.WithLabelValues(operation).Inc() }

// Snapshot reads every counter's current value, keyed by metric name; the
// two label-broken-down counters (errors, retries) are flattened into
// "errors:<kind>"/"retries:<operation>" keys. Used to populate the
// info-message performance-counter payload, so the same counts a Prometheus
// scrape would see are also visible to whatever is polling the client
// out-of-band.
func (c *Counters) Snapshot() map[string]int64 {
	out := map[string]int64{
		"messages_sent":           readCounter(c.messagesSent),
		"messages_received":       readCounter(c.messagesReceived),
		"invalidations_delivered": readCounter(c.invalidations),
		"acked_invalidations":     readCounter(c.ackedInvalidation),
		"invalidate_all":          readCounter(c.invalidateAll),
		"registration_ops":        readCounter(c.registrationOps),
	}
	for kind, v := range readVec(c.errors) {
		out["errors:"+kind] = v
	}
	for op, v := range readVec(c.retries) {
		out["retries:"+op] = v
	}
	return out
}

func readCounter(c prometheus.Counter) int64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return int64(m.GetCounter().GetValue())
}

// readVec collects every label combination a CounterVec has recorded so
// far, keyed by its single label value. Every CounterVec in this package
// has exactly one label, so the last label pair on each metric is its key.
func readVec(cv *prometheus.CounterVec) map[string]int64 {
	ch := make(chan prometheus.Metric, 32)
	cv.Collect(ch)
	close(ch)

	out := make(map[string]int64)
	for metric := range ch {
		var m dto.Metric
		if err := metric.Write(&m); err != nil {
			continue
		}
		var key string
		if labels := m.GetLabel(); len(labels) > 0 {
			key = labels[len(labels)-1].GetValue()
		}
		out[key] = int64(m.GetCounter().GetValue())
	}
	return out
}
