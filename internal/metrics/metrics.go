// Package metrics exposes Prometheus counters and gauges for the
// coordinator and router, scraped at /metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collector holds the process's Prometheus instruments. A nil *Collector
// is safe to call methods on (every method guards for it), so components
// can take a *Collector without needing a no-op stand-in when metrics are
// disabled.
type Collector struct {
	MessagesAccepted  prometheus.Counter
	MessagesBroadcast prometheus.Counter
	SessionsOpened    prometheus.Counter
	SessionsClosed    prometheus.Counter
	RateLimited       prometheus.Counter
	RoomsActive       prometheus.Gauge
	DestructionsRun   prometheus.Counter
}

// New registers and returns a Collector against the given registerer.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		MessagesAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roomcoordinator_messages_accepted_total",
			Help: "Messages accepted on ingress across all rooms.",
		}),
		MessagesBroadcast: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roomcoordinator_messages_broadcast_total",
			Help: "Frames fanned out to sessions across all rooms.",
		}),
		SessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roomcoordinator_sessions_opened_total",
			Help: "Sessions accepted across all rooms.",
		}),
		SessionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roomcoordinator_sessions_closed_total",
			Help: "Sessions reaped across all rooms.",
		}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roomcoordinator_rate_limited_total",
			Help: "Frames dropped for an active rate-limit cooldown.",
		}),
		RoomsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "roomcoordinator_rooms_active",
			Help: "Coordinators currently resident in the router's registry.",
		}),
		DestructionsRun: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roomcoordinator_destructions_total",
			Help: "Rooms that completed executeDestruction.",
		}),
	}
	reg.MustRegister(
		c.MessagesAccepted, c.MessagesBroadcast, c.SessionsOpened,
		c.SessionsClosed, c.RateLimited, c.RoomsActive, c.DestructionsRun,
	)
	return c
}

func (c *Collector) incMessagesAccepted() {
	if c != nil {
		c.MessagesAccepted.Inc()
	}
}

func (c *Collector) incMessagesBroadcast() {
	if c != nil {
		c.MessagesBroadcast.Inc()
	}
}

func (c *Collector) incSessionsOpened() {
	if c != nil {
		c.SessionsOpened.Inc()
	}
}

func (c *Collector) incSessionsClosed() {
	if c != nil {
		c.SessionsClosed.Inc()
	}
}

func (c *Collector) incRateLimited() {
	if c != nil {
		c.RateLimited.Inc()
	}
}

func (c *Collector) incDestructions() {
	if c != nil {
		c.DestructionsRun.Inc()
	}
}

// IncMessagesAccepted records one accepted ingress message.
func (c *Collector) IncMessagesAccepted() { c.incMessagesAccepted() }

// IncMessagesBroadcast records one fanned-out frame.
func (c *Collector) IncMessagesBroadcast() { c.incMessagesBroadcast() }

// IncSessionsOpened records one accepted session.
func (c *Collector) IncSessionsOpened() { c.incSessionsOpened() }

// IncSessionsClosed records one reaped session.
func (c *Collector) IncSessionsClosed() { c.incSessionsClosed() }

// IncRateLimited records one dropped, rate-limited frame.
func (c *Collector) IncRateLimited() { c.incRateLimited() }

// IncDestructions records one completed room destruction.
func (c *Collector) IncDestructions() { c.incDestructions() }

// SetRoomsActive sets the resident-coordinator gauge.
func (c *Collector) SetRoomsActive(n int) {
	if c != nil {
		c.RoomsActive.Set(float64(n))
	}
}
