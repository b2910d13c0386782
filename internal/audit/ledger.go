// Package audit keeps the append-only record of security events, audit log
// entries and detected threats. Event and audit storage is a bounded ring so
// memory stays flat between pruning sweeps; threats persist until an operator
// resolves them.
package audit

import (
	"sync"
	"time"

	"security-engine/internal/model"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Ledger struct {
	mu      sync.RWMutex
	events  []model.SecurityEvent
	audits  []model.AuditLogEntry
	threats []*model.Threat

	eventCapacity int
	auditCapacity int

	// Running totals survive ring eviction so metrics stay accurate.
	failedLogins     int
	successfulLogins int

	clock  model.Clock
	logger *zap.Logger
}

func NewLedger(eventCapacity, auditCapacity int, clock model.Clock, logger *zap.Logger) *Ledger {
	if eventCapacity <= 0 {
		eventCapacity = 1
	}
	if auditCapacity <= 0 {
		auditCapacity = 1
	}
	return &Ledger{
		eventCapacity: eventCapacity,
		auditCapacity: auditCapacity,
		clock:         clock,
		logger:        logger,
	}
}

// OnSecurityEvent implements event.EventSubscriber.
func (l *Ledger) OnSecurityEvent(ev model.SecurityEvent) {
	l.RecordEvent(ev)
}

// OnAuditEntry implements event.AuditSubscriber.
func (l *Ledger) OnAuditEntry(entry model.AuditLogEntry) {
	l.RecordAudit(entry)
}

// OnThreat implements event.ThreatSubscriber.
func (l *Ledger) OnThreat(threat model.Threat) {
	l.AddThreat(threat)
}

// RecordEvent appends a security event, assigning id and timestamp if absent.
func (l *Ledger) RecordEvent(ev model.SecurityEvent) {
	if ev.EventID == "" {
		ev.EventID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = l.clock.Now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if ev.Type == model.EventLogin {
		switch ev.Details["result"] {
		case "success":
			l.successfulLogins++
		case "invalid_credentials", "account_locked":
			l.failedLogins++
		}
	}

	l.events = append(l.events, ev)
	if len(l.events) > l.eventCapacity {
		l.events = trimEvents(l.events, l.eventCapacity)
	}
}

// RecordAudit appends an audit entry, assigning id and timestamp if absent.
func (l *Ledger) RecordAudit(entry model.AuditLogEntry) {
	if entry.EntryID == "" {
		entry.EntryID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.clock.Now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.audits = append(l.audits, entry)
	if len(l.audits) > l.auditCapacity {
		l.audits = trimAudits(l.audits, l.auditCapacity)
	}
}

// RecentEvents returns a snapshot of events of the given type within the
// window, oldest first. An empty eventType matches all types.
func (l *Ledger) RecentEvents(eventType model.EventType, within time.Duration) []model.SecurityEvent {
	cutoff := l.clock.Now().Add(-within)

	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []model.SecurityEvent
	for _, ev := range l.events {
		if ev.Timestamp.Before(cutoff) {
			continue
		}
		if eventType != "" && ev.Type != eventType {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// RecentAudits returns a snapshot of audit entries within the window.
func (l *Ledger) RecentAudits(within time.Duration) []model.AuditLogEntry {
	cutoff := l.clock.Now().Add(-within)

	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []model.AuditLogEntry
	for _, entry := range l.audits {
		if !entry.Timestamp.Before(cutoff) {
			out = append(out, entry)
		}
	}
	return out
}

// Events returns up to limit events, most recent first.
func (l *Ledger) Events(limit int) []model.SecurityEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := len(l.events)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]model.SecurityEvent, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, l.events[i])
	}
	return out
}

// Audits returns up to limit audit entries, most recent first.
func (l *Ledger) Audits(limit int) []model.AuditLogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := len(l.audits)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]model.AuditLogEntry, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, l.audits[i])
	}
	return out
}

// AddThreat records a raised threat.
func (l *Ledger) AddThreat(threat model.Threat) {
	if threat.ThreatID == "" {
		threat.ThreatID = uuid.New().String()
	}
	if threat.DetectedAt.IsZero() {
		threat.DetectedAt = l.clock.Now()
	}
	if threat.Status == "" {
		threat.Status = model.ThreatStatusActive
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	cp := threat
	l.threats = append(l.threats, &cp)
}

// ActiveThreats returns unresolved threats, most recent first.
func (l *Ledger) ActiveThreats() []model.Threat {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []model.Threat
	for i := len(l.threats) - 1; i >= 0; i-- {
		t := l.threats[i]
		if t.Status == model.ThreatStatusActive || t.Status == model.ThreatStatusInvestigating {
			out = append(out, *t)
		}
	}
	return out
}

// HasActiveThreat reports whether an unresolved threat of the given type
// carries the indicator. Detection uses this to avoid raising duplicates.
func (l *Ledger) HasActiveThreat(threatType model.ThreatType, indicator string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, t := range l.threats {
		if t.Type != threatType {
			continue
		}
		if t.Status != model.ThreatStatusActive && t.Status != model.ThreatStatusInvestigating {
			continue
		}
		for _, ind := range t.Indicators {
			if ind == indicator {
				return true
			}
		}
	}
	return false
}

// ResolveThreat transitions a threat's status. Allowed transitions follow
// active -> investigating -> resolved/false_positive; resolving directly from
// active is also permitted.
func (l *Ledger) ResolveThreat(threatID string, status model.ThreatStatus) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, t := range l.threats {
		if t.ThreatID != threatID {
			continue
		}
		if t.Status == model.ThreatStatusResolved || t.Status == model.ThreatStatusFalsePositive {
			return false
		}
		t.Status = status
		if status == model.ThreatStatusResolved || status == model.ThreatStatusFalsePositive {
			now := l.clock.Now()
			t.ResolvedAt = &now
		}
		return true
	}
	return false
}

// Prune drops events and audit entries older than the retention window.
// Threat records are never pruned.
func (l *Ledger) Prune(retention time.Duration) (dropped int) {
	cutoff := l.clock.Now().Add(-retention)

	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.events[:0]
	for _, ev := range l.events {
		if ev.Timestamp.Before(cutoff) {
			dropped++
		} else {
			kept = append(kept, ev)
		}
	}
	l.events = kept

	keptAudits := l.audits[:0]
	for _, entry := range l.audits {
		if entry.Timestamp.Before(cutoff) {
			dropped++
		} else {
			keptAudits = append(keptAudits, entry)
		}
	}
	l.audits = keptAudits

	if dropped > 0 {
		l.logger.Info("audit ledger pruned",
			zap.Int("dropped", dropped),
			zap.Duration("retention", retention),
		)
	}
	return dropped
}

// LoginCounters returns the running failed and successful login totals.
func (l *Ledger) LoginCounters() (failed, successful int) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.failedLogins, l.successfulLogins
}

// AuditVolume returns the number of retained audit entries.
func (l *Ledger) AuditVolume() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.audits)
}

func trimEvents(events []model.SecurityEvent, capacity int) []model.SecurityEvent {
	excess := len(events) - capacity
	trimmed := make([]model.SecurityEvent, capacity)
	copy(trimmed, events[excess:])
	return trimmed
}

func trimAudits(audits []model.AuditLogEntry, capacity int) []model.AuditLogEntry {
	excess := len(audits) - capacity
	trimmed := make([]model.AuditLogEntry, capacity)
	copy(trimmed, audits[excess:])
	return trimmed
}
