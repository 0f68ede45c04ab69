package broker

import (
	"context"
	"fmt"

	"pkt.systems/asyncstore/internal/storage"
)

// Recover declares every queue persisted in the backend and restores its
// messages. The backend must implement storage.QueueLister; messages are only
// restored when it also implements storage.MessageLister.
func (b *Broker) Recover(ctx context.Context) (int, error) {
	ql, ok := b.backend.(storage.QueueLister)
	if !ok {
		return 0, fmt.Errorf("broker: recover: %w", storage.ErrNotImplemented)
	}
	ml, _ := b.backend.(storage.MessageLister)
	recs, err := ql.ListQueues(ctx)
	if err != nil {
		return 0, fmt.Errorf("broker: recover: list queues: %w", err)
	}
	recovered := 0
	for _, rec := range recs {
		var args Args
		if len(rec.Data) > 0 {
			name, decoded, err := DecodeQueueDefinition(rec.Data)
			if err != nil {
				return recovered, fmt.Errorf("broker: recover %q: %w", rec.Name, err)
			}
			if name != rec.Name {
				return recovered, fmt.Errorf("broker: recover %q: record names queue %q", rec.Name, name)
			}
			args = decoded
		}
		var msgs []storage.MessageRecord
		if ml != nil {
			msgs, err = ml.ListMessages(ctx, rec.Name)
			if err != nil {
				return recovered, fmt.Errorf("broker: recover %q: list messages: %w", rec.Name, err)
			}
		}
		q, err := b.DeclareQueue(rec.Name, args)
		if err != nil {
			return recovered, fmt.Errorf("broker: recover %q: %w", rec.Name, err)
		}
		q.restore(rec, msgs)
		recovered++
		b.logger.Debug("broker.recover.queue", "queue", rec.Name, "persistence_id", rec.PersistenceID, "messages", len(msgs))
	}
	b.logger.Info("broker.recover.complete", "queues", recovered)
	return recovered, nil
}
