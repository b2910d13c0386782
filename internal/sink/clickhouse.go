package sink

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"security-engine/internal/bucketing"
	"security-engine/internal/client"
	"security-engine/internal/model"
)

const eventInsert = `INSERT INTO security_events
	(event_id, type, severity, user_id, resource, action, details, ip_address, user_agent, date_bucket, timestamp)`

// ClickHouseArchiver batches security events into the archival table. The
// in-memory ledger honors the retention window; ClickHouse keeps the long
// tail for offline analysis.
type ClickHouseArchiver struct {
	ch      *client.ClickHouseClient
	buckets *bucketing.Manager
	logger  *zap.Logger

	mu      sync.Mutex
	pending [][]interface{}

	flushSize int
	stop      chan struct{}
	done      chan struct{}
	stopOnce  sync.Once
}

func NewClickHouseArchiver(ch *client.ClickHouseClient, buckets *bucketing.Manager, logger *zap.Logger) *ClickHouseArchiver {
	a := &ClickHouseArchiver{
		ch:        ch,
		buckets:   buckets,
		logger:    logger,
		flushSize: 500,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go a.flushLoop()
	return a
}

// OnSecurityEvent implements event.EventSubscriber.
func (a *ClickHouseArchiver) OnSecurityEvent(ev model.SecurityEvent) {
	row := []interface{}{
		ev.EventID,
		string(ev.Type),
		string(ev.Severity),
		ev.UserID,
		ev.Resource,
		ev.Action,
		ev.Details,
		ev.IPAddress,
		ev.UserAgent,
		a.buckets.DateBucket(ev.Timestamp),
		ev.Timestamp,
	}

	a.mu.Lock()
	a.pending = append(a.pending, row)
	full := len(a.pending) >= a.flushSize
	a.mu.Unlock()

	if full {
		a.Flush()
	}
}

// Flush sends the pending batch.
func (a *ClickHouseArchiver) Flush() {
	a.mu.Lock()
	batch := a.pending
	a.pending = nil
	a.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := a.ch.BatchInsert(ctx, eventInsert, batch); err != nil {
		a.logger.Error("failed to archive security events",
			zap.Int("batch_size", len(batch)),
			zap.Error(err))
		return
	}

	a.logger.Debug("archived security events", zap.Int("batch_size", len(batch)))
}

func (a *ClickHouseArchiver) flushLoop() {
	defer close(a.done)

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-a.stop:
			a.Flush()
			return
		case <-ticker.C:
			a.Flush()
		}
	}
}

// Close flushes outstanding rows and stops the background loop.
func (a *ClickHouseArchiver) Close() {
	a.stopOnce.Do(func() {
		close(a.stop)
		<-a.done
	})
}
