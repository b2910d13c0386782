package event

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"security-engine/internal/model"
)

type countingSubscriber struct {
	mu      sync.Mutex
	events  int
	audits  int
	threats int
}

func (s *countingSubscriber) OnSecurityEvent(model.SecurityEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events++
}

func (s *countingSubscriber) OnAuditEntry(model.AuditLogEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits++
}

func (s *countingSubscriber) OnThreat(model.Threat) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threats++
}

func TestBusFansOutByChannel(t *testing.T) {
	bus := NewBus(zap.NewNop())
	first := &countingSubscriber{}
	second := &countingSubscriber{}

	bus.SubscribeEvents(first)
	bus.SubscribeEvents(second)
	bus.SubscribeAudits(first)
	bus.SubscribeThreats(first)

	bus.PublishEvent(model.SecurityEvent{Type: model.EventLogin})
	bus.PublishEvent(model.SecurityEvent{Type: model.EventLogout})
	bus.PublishAudit(model.AuditLogEntry{Action: "read"})
	bus.PublishThreat(model.Threat{Type: model.ThreatBruteForce})

	assert.Equal(t, 2, first.events)
	assert.Equal(t, 2, second.events)
	assert.Equal(t, 1, first.audits)
	assert.Equal(t, 1, first.threats)

	// second never subscribed to audits or threats.
	assert.Zero(t, second.audits)
	assert.Zero(t, second.threats)
}

func TestPublishWithNoSubscribers(t *testing.T) {
	bus := NewBus(zap.NewNop())

	bus.PublishEvent(model.SecurityEvent{Type: model.EventLogin})
	bus.PublishAudit(model.AuditLogEntry{Action: "read"})
	bus.PublishThreat(model.Threat{Type: model.ThreatBruteForce})
}
