// Package sink holds bus subscribers that forward security activity to the
// optional external backends. Sinks are fire-and-forget: a backend outage is
// logged and dropped, never surfaced to the operation that raised the event.
package sink

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"security-engine/internal/bucketing"
	"security-engine/internal/client"
	"security-engine/internal/model"
)

// KafkaStreamer publishes security events and threats onto the event topic.
// Messages are keyed by source bucket so per-source ordering survives
// partitioning.
type KafkaStreamer struct {
	producer *client.KafkaProducer
	buckets  *bucketing.Manager
	topic    string
	logger   *zap.Logger
}

func NewKafkaStreamer(producer *client.KafkaProducer, buckets *bucketing.Manager, topic string, logger *zap.Logger) *KafkaStreamer {
	return &KafkaStreamer{
		producer: producer,
		buckets:  buckets,
		topic:    topic,
		logger:   logger,
	}
}

// OnSecurityEvent implements event.EventSubscriber.
func (s *KafkaStreamer) OnSecurityEvent(ev model.SecurityEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("failed to encode security event", zap.Error(err))
		return
	}

	source := ev.UserID
	if source == "" {
		source = ev.IPAddress
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = s.producer.ProduceMessage(ctx, s.topic, s.buckets.PartitionKey(source), payload, map[string]string{
		"kind": "event",
		"type": string(ev.Type),
	})
	if err != nil {
		s.logger.Error("failed to stream security event",
			zap.String("event_id", ev.EventID),
			zap.Error(err))
	}
}

// OnThreat implements event.ThreatSubscriber.
func (s *KafkaStreamer) OnThreat(threat model.Threat) {
	payload, err := json.Marshal(threat)
	if err != nil {
		s.logger.Error("failed to encode threat", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = s.producer.ProduceMessage(ctx, s.topic, s.buckets.PartitionKey(threat.ThreatID), payload, map[string]string{
		"kind": "threat",
		"type": string(threat.Type),
	})
	if err != nil {
		s.logger.Error("failed to stream threat",
			zap.String("threat_id", threat.ThreatID),
			zap.Error(err))
	}
}
