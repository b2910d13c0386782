// Package detect scans the recent audit window on a fixed cadence and raises
// threats when heuristic thresholds are crossed.
package detect

import (
	"context"
	"fmt"
	"sync"
	"time"

	"security-engine/internal/audit"
	"security-engine/internal/config"
	"security-engine/internal/event"
	"security-engine/internal/model"
	"security-engine/internal/session"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Engine struct {
	ledger   *audit.Ledger
	sessions *session.Registry
	bus      *event.Bus
	clock    model.Clock
	cfg      config.DetectionConfig
	retention time.Duration
	logger   *zap.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

func NewEngine(
	ledger *audit.Ledger,
	sessions *session.Registry,
	bus *event.Bus,
	clock model.Clock,
	cfg config.DetectionConfig,
	retention time.Duration,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		ledger:    ledger,
		sessions:  sessions,
		bus:       bus,
		clock:     clock,
		cfg:       cfg,
		retention: retention,
		logger:    logger,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the periodic sweep. The sweep is the engine's only
// self-driving activity; Stop cancels it cleanly.
func (e *Engine) Start() {
	e.startOnce.Do(func() {
		go e.run()
	})
}

// Stop signals shutdown and waits for any in-flight sweep to finish, so no
// partial writes are left behind.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stop)
		<-e.done
	})
}

func (e *Engine) run() {
	defer close(e.done)

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			e.Sweep(context.Background())
		}
	}
}

// Sweep runs the three detectors concurrently over snapshots of the relevant
// windows, then prunes the ledger on the same cadence.
func (e *Engine) Sweep(ctx context.Context) {
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error { e.detectBruteForce(); return nil })
	g.Go(func() error { e.detectSuspiciousActivity(); return nil })
	g.Go(func() error { e.detectUnauthorizedAccess(); return nil })
	_ = g.Wait()

	e.ledger.Prune(e.retention)
}

// detectBruteForce raises a threat for any source IP accumulating too many
// invalid-credential logins inside the window, unless an active brute-force
// threat already covers that IP.
func (e *Engine) detectBruteForce() {
	events := e.ledger.RecentEvents(model.EventLogin, e.cfg.BruteForceWindow)

	perIP := make(map[string]int)
	for _, ev := range events {
		if ev.Details["result"] != "invalid_credentials" || ev.IPAddress == "" {
			continue
		}
		perIP[ev.IPAddress]++
	}

	for ip, count := range perIP {
		if count < e.cfg.BruteForceThreshold {
			continue
		}
		if e.ledger.HasActiveThreat(model.ThreatBruteForce, ip) {
			continue
		}
		e.raise(model.Threat{
			Type:        model.ThreatBruteForce,
			Severity:    model.SeverityHigh,
			Description: fmt.Sprintf("brute force attack suspected from %s", ip),
			Indicators:  []string{ip, fmt.Sprintf("%d failed logins", count)},
			Mitigations: []string{
				"block source IP at the edge",
				"force password reset for targeted accounts",
			},
		})
	}
}

// detectSuspiciousActivity flags users holding more simultaneous live
// sessions than the configured ceiling.
func (e *Engine) detectSuspiciousActivity() {
	for userID, count := range e.sessions.SessionsPerUser() {
		if count <= e.cfg.MaxSessionsPerUser {
			continue
		}
		if e.ledger.HasActiveThreat(model.ThreatSuspiciousActivity, userID) {
			continue
		}
		e.raise(model.Threat{
			Type:        model.ThreatSuspiciousActivity,
			Severity:    model.SeverityMedium,
			Description: fmt.Sprintf("user %s holds %d simultaneous sessions", userID, count),
			Indicators:  []string{userID, fmt.Sprintf("%d sessions", count)},
			Mitigations: []string{
				"verify account ownership with the user",
				"revoke surplus sessions",
			},
		})
	}
}

// detectUnauthorizedAccess flags users accumulating too many denials inside
// the window.
func (e *Engine) detectUnauthorizedAccess() {
	events := e.ledger.RecentEvents(model.EventAccessDenied, e.cfg.UnauthorizedWindow)

	perUser := make(map[string]int)
	for _, ev := range events {
		if ev.UserID == "" {
			continue
		}
		perUser[ev.UserID]++
	}

	for userID, count := range perUser {
		if count < e.cfg.UnauthorizedThreshold {
			continue
		}
		if e.ledger.HasActiveThreat(model.ThreatUnauthorizedAccess, userID) {
			continue
		}
		e.raise(model.Threat{
			Type:        model.ThreatUnauthorizedAccess,
			Severity:    model.SeverityHigh,
			Description: fmt.Sprintf("user %s denied access %d times", userID, count),
			Indicators:  []string{userID, fmt.Sprintf("%d denials", count)},
			Mitigations: []string{
				"review the user's role assignments",
				"suspend the account pending investigation",
			},
		})
	}
}

func (e *Engine) raise(threat model.Threat) {
	threat.ThreatID = uuid.New().String()
	threat.Status = model.ThreatStatusActive
	threat.DetectedAt = e.clock.Now()

	e.bus.PublishThreat(threat)
	e.bus.PublishEvent(model.SecurityEvent{
		Type:     model.EventThreatDetected,
		Severity: threat.Severity,
		Details: map[string]string{
			"threat_type": string(threat.Type),
			"description": threat.Description,
		},
	})

	e.logger.Warn("threat raised",
		zap.String("type", string(threat.Type)),
		zap.String("severity", string(threat.Severity)),
		zap.String("description", threat.Description),
	)
}
