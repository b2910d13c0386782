package sink

import (
	"github.com/prometheus/client_golang/prometheus"

	"security-engine/internal/model"
)

// PrometheusObserver exports bus traffic as counters. It always runs; the
// other sinks are gated on backend availability.
type PrometheusObserver struct {
	events  *prometheus.CounterVec
	audits  *prometheus.CounterVec
	threats *prometheus.CounterVec
}

func NewPrometheusObserver(reg prometheus.Registerer) *PrometheusObserver {
	o := &PrometheusObserver{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "security_engine",
			Name:      "events_total",
			Help:      "Security events by type and severity.",
		}, []string{"type", "severity"}),
		audits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "security_engine",
			Name:      "audit_entries_total",
			Help:      "Audit log entries by action and result.",
		}, []string{"action", "result"}),
		threats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "security_engine",
			Name:      "threats_total",
			Help:      "Threats raised by type and severity.",
		}, []string{"type", "severity"}),
	}
	reg.MustRegister(o.events, o.audits, o.threats)
	return o
}

// OnSecurityEvent implements event.EventSubscriber.
func (o *PrometheusObserver) OnSecurityEvent(ev model.SecurityEvent) {
	o.events.WithLabelValues(string(ev.Type), string(ev.Severity)).Inc()
}

// OnAuditEntry implements event.AuditSubscriber.
func (o *PrometheusObserver) OnAuditEntry(entry model.AuditLogEntry) {
	o.audits.WithLabelValues(entry.Action, string(entry.Result)).Inc()
}

// OnThreat implements event.ThreatSubscriber.
func (o *PrometheusObserver) OnThreat(threat model.Threat) {
	o.threats.WithLabelValues(string(threat.Type), string(threat.Severity)).Inc()
}
