package worker

import (
	"context"

	"github.com/example/mailconnect/internal/kafka/consumer"
)

// KafkaHandler adapts the engine to a consumer.Handler. Offsets are committed
// through cons once the engine has published a result for the record.
func KafkaHandler(engine *Engine, cons *consumer.Consumer) consumer.Handler {
	return func(ctx context.Context, rec *consumer.Record) error {
		if engine == nil || rec == nil {
			return nil
		}
		engine.HandleRecordWith(ctx, FromConsumer(rec), CommitFunc(func(c context.Context, _ *Record) error {
			if cons == nil {
				return nil
			}
			return cons.Commit(c, rec)
		}))
		return nil
	}
}

// FromConsumer copies a consumer record into an engine record.
func FromConsumer(rec *consumer.Record) *Record {
	if rec == nil {
		return nil
	}
	return &Record{
		Topic:     rec.Topic,
		Partition: rec.Partition,
		Offset:    rec.Offset,
		Key:       append([]byte(nil), rec.Key...),
		Value:     append([]byte(nil), rec.Value...),
		Timestamp: rec.Timestamp,
		Headers:   rec.Headers,
	}
}
