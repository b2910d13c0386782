package sink

import (
	"go.uber.org/zap"

	"security-engine/internal/client"
	"security-engine/internal/model"
)

// ElasticIndexer pushes audit log entries into the audit index so operators
// can search them without walking the in-memory ledger.
type ElasticIndexer struct {
	es     *client.ESClient
	index  string
	logger *zap.Logger
}

func NewElasticIndexer(es *client.ESClient, index string, logger *zap.Logger) *ElasticIndexer {
	return &ElasticIndexer{
		es:     es,
		index:  index,
		logger: logger,
	}
}

// OnAuditEntry implements event.AuditSubscriber.
func (i *ElasticIndexer) OnAuditEntry(entry model.AuditLogEntry) {
	res, err := i.es.IndexDocument(i.index, entry.EntryID, entry)
	if err != nil {
		i.logger.Error("failed to index audit entry",
			zap.String("entry_id", entry.EntryID),
			zap.Error(err))
		return
	}
	defer res.Body.Close()

	if res.IsError() {
		i.logger.Error("audit index rejected entry",
			zap.String("entry_id", entry.EntryID),
			zap.String("status", res.Status()))
	}
}
