package kafkaconsumer

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"github.com/mohammed-shakir/polygon-layer-publisher/internal/core/observability"
)

type messageProcessor func(context.Context, *sarama.ConsumerMessage) error

// groupHandler feeds one claim at a time through process. Offsets are marked
// only after process returns nil, so a failed invalidation is redelivered
// after the next rebalance.
type groupHandler struct {
	process messageProcessor
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := sess.Context()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("claim context done: %w", ctx.Err())
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			start := time.Now()
			err := h.process(ctx, msg)
			took := time.Since(start).Seconds()
			if err != nil {
				observability.ObserveConsumed(msg.Partition, "failed", took, 0)
				return fmt.Errorf("apply invalidation %s/%d@%d: %w",
					msg.Topic, msg.Partition, msg.Offset, err)
			}
			sess.MarkMessage(msg, "")
			observability.ObserveConsumed(msg.Partition, "marked", took, claim.HighWaterMarkOffset()-msg.Offset-1)
		}
	}
}
