// Package event carries typed security events between engine components.
// Subscribers are registered once at construction time; there is no
// string-keyed dispatch and subscribers receive values they cannot use to
// mutate engine state.
package event

import (
	"sync"

	"security-engine/internal/model"

	"go.uber.org/zap"
)

// EventSubscriber observes emitted SecurityEvents.
type EventSubscriber interface {
	OnSecurityEvent(ev model.SecurityEvent)
}

// AuditSubscriber observes appended audit log entries.
type AuditSubscriber interface {
	OnAuditEntry(entry model.AuditLogEntry)
}

// ThreatSubscriber observes raised threats.
type ThreatSubscriber interface {
	OnThreat(threat model.Threat)
}

// Bus is the in-process publish/subscribe fabric. Publishing is synchronous;
// a slow subscriber slows its publisher, which keeps ordering trivial and
// suits the audit-before-return contract.
type Bus struct {
	mu          sync.RWMutex
	eventSubs   []EventSubscriber
	auditSubs   []AuditSubscriber
	threatSubs  []ThreatSubscriber
	logger      *zap.Logger
}

func NewBus(logger *zap.Logger) *Bus {
	return &Bus{logger: logger}
}

func (b *Bus) SubscribeEvents(s EventSubscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.eventSubs = append(b.eventSubs, s)
}

func (b *Bus) SubscribeAudits(s AuditSubscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.auditSubs = append(b.auditSubs, s)
}

func (b *Bus) SubscribeThreats(s ThreatSubscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.threatSubs = append(b.threatSubs, s)
}

// PublishEvent fans a SecurityEvent out to all event subscribers.
func (b *Bus) PublishEvent(ev model.SecurityEvent) {
	b.mu.RLock()
	subs := b.eventSubs
	b.mu.RUnlock()

	for _, s := range subs {
		s.OnSecurityEvent(ev)
	}
	b.logger.Debug("security event published",
		zap.String("event_id", ev.EventID),
		zap.String("type", string(ev.Type)),
		zap.String("severity", string(ev.Severity)),
	)
}

// PublishAudit fans an AuditLogEntry out to all audit subscribers.
func (b *Bus) PublishAudit(entry model.AuditLogEntry) {
	b.mu.RLock()
	subs := b.auditSubs
	b.mu.RUnlock()

	for _, s := range subs {
		s.OnAuditEntry(entry)
	}
}

// PublishThreat fans a Threat out to all threat subscribers.
func (b *Bus) PublishThreat(threat model.Threat) {
	b.mu.RLock()
	subs := b.threatSubs
	b.mu.RUnlock()

	for _, s := range subs {
		s.OnThreat(threat)
	}
	b.logger.Warn("threat published",
		zap.String("threat_id", threat.ThreatID),
		zap.String("type", string(threat.Type)),
		zap.String("severity", string(threat.Severity)),
	)
}
