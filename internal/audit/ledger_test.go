package audit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"security-engine/internal/model"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLedger(clock model.Clock) *Ledger {
	return NewLedger(1000, 1000, clock, zap.NewNop())
}

func TestRecordEventAssignsIdentity(t *testing.T) {
	clock := newFakeClock()
	l := newTestLedger(clock)

	l.RecordEvent(model.SecurityEvent{Type: model.EventLogin, Details: map[string]string{"result": "success"}})

	events := l.Events(0)
	require.Len(t, events, 1)
	assert.NotEmpty(t, events[0].EventID)
	assert.Equal(t, clock.Now(), events[0].Timestamp)
}

func TestLoginCounters(t *testing.T) {
	l := newTestLedger(newFakeClock())

	l.RecordEvent(model.SecurityEvent{Type: model.EventLogin, Details: map[string]string{"result": "success"}})
	l.RecordEvent(model.SecurityEvent{Type: model.EventLogin, Details: map[string]string{"result": "invalid_credentials"}})
	l.RecordEvent(model.SecurityEvent{Type: model.EventLogin, Details: map[string]string{"result": "account_locked"}})
	// An MFA round-trip is not a failed login.
	l.RecordEvent(model.SecurityEvent{Type: model.EventLogin, Details: map[string]string{"result": "mfa_required"}})

	failed, successful := l.LoginCounters()
	assert.Equal(t, 2, failed)
	assert.Equal(t, 1, successful)
}

func TestRecentEventsWindow(t *testing.T) {
	clock := newFakeClock()
	l := newTestLedger(clock)

	l.RecordEvent(model.SecurityEvent{Type: model.EventLogin})
	clock.Advance(10 * time.Minute)
	l.RecordEvent(model.SecurityEvent{Type: model.EventLogin})
	l.RecordEvent(model.SecurityEvent{Type: model.EventAccessDenied})

	recent := l.RecentEvents(model.EventLogin, 5*time.Minute)
	assert.Len(t, recent, 1)

	all := l.RecentEvents("", 15*time.Minute)
	assert.Len(t, all, 3)
}

func TestEventCapacityBound(t *testing.T) {
	clock := newFakeClock()
	l := NewLedger(10, 10, clock, zap.NewNop())

	for i := 0; i < 25; i++ {
		l.RecordEvent(model.SecurityEvent{Type: model.EventLogin, Details: map[string]string{"result": "success"}})
	}

	assert.Len(t, l.Events(0), 10)

	// Eviction must not lose running totals.
	_, successful := l.LoginCounters()
	assert.Equal(t, 25, successful)
}

func TestPruneDropsOldEntriesButKeepsThreats(t *testing.T) {
	clock := newFakeClock()
	l := newTestLedger(clock)

	l.RecordEvent(model.SecurityEvent{Type: model.EventLogin})
	l.RecordAudit(model.AuditLogEntry{Action: "read", Result: model.AuditSuccess})
	l.AddThreat(model.Threat{Type: model.ThreatBruteForce, Indicators: []string{"1.2.3.4"}})

	clock.Advance(31 * 24 * time.Hour)
	l.RecordEvent(model.SecurityEvent{Type: model.EventLogin})

	dropped := l.Prune(30 * 24 * time.Hour)
	assert.Equal(t, 2, dropped)
	assert.Len(t, l.Events(0), 1)
	assert.Zero(t, l.AuditVolume())
	assert.Len(t, l.ActiveThreats(), 1)
}

func TestThreatLifecycle(t *testing.T) {
	clock := newFakeClock()
	l := newTestLedger(clock)

	l.AddThreat(model.Threat{
		ThreatID:   "t-1",
		Type:       model.ThreatBruteForce,
		Indicators: []string{"1.2.3.4"},
	})

	assert.True(t, l.HasActiveThreat(model.ThreatBruteForce, "1.2.3.4"))
	assert.False(t, l.HasActiveThreat(model.ThreatBruteForce, "5.6.7.8"))
	assert.False(t, l.HasActiveThreat(model.ThreatSuspiciousActivity, "1.2.3.4"))

	// Investigating still counts as unresolved.
	require.True(t, l.ResolveThreat("t-1", model.ThreatStatusInvestigating))
	assert.True(t, l.HasActiveThreat(model.ThreatBruteForce, "1.2.3.4"))
	assert.Len(t, l.ActiveThreats(), 1)

	require.True(t, l.ResolveThreat("t-1", model.ThreatStatusResolved))
	assert.False(t, l.HasActiveThreat(model.ThreatBruteForce, "1.2.3.4"))
	assert.Empty(t, l.ActiveThreats())

	// Terminal states cannot transition again.
	assert.False(t, l.ResolveThreat("t-1", model.ThreatStatusActive))
	assert.False(t, l.ResolveThreat("missing", model.ThreatStatusResolved))
}

func TestResolvedThreatCarriesTimestamp(t *testing.T) {
	clock := newFakeClock()
	l := newTestLedger(clock)

	l.AddThreat(model.Threat{ThreatID: "t-1", Type: model.ThreatBruteForce})
	clock.Advance(time.Hour)
	require.True(t, l.ResolveThreat("t-1", model.ThreatStatusFalsePositive))

	// Walk the full list since resolved threats leave ActiveThreats.
	assert.Empty(t, l.ActiveThreats())
}

func TestAuditsMostRecentFirst(t *testing.T) {
	clock := newFakeClock()
	l := newTestLedger(clock)

	l.RecordAudit(model.AuditLogEntry{Action: "first"})
	clock.Advance(time.Second)
	l.RecordAudit(model.AuditLogEntry{Action: "second"})

	audits := l.Audits(0)
	require.Len(t, audits, 2)
	assert.Equal(t, "second", audits[0].Action)

	limited := l.Audits(1)
	require.Len(t, limited, 1)
	assert.Equal(t, "second", limited[0].Action)
}
