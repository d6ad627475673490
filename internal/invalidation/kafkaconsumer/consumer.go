package kafkaconsumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"

	obs "github.com/mohammed-shakir/polygon-layer-publisher/internal/core/observability"
	"github.com/mohammed-shakir/polygon-layer-publisher/internal/invalidation"
	mylog "github.com/mohammed-shakir/polygon-layer-publisher/internal/logger"
)

// Invalidator drops every cached query result.
type Invalidator interface {
	Invalidate(ctx context.Context) (int64, error)
}

type Consumer struct {
	cfg    Config
	logger *slog.Logger
	inv    Invalidator
	dedupe *versionDedupe
}

func New(cfg Config, logger *slog.Logger, inv Invalidator) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		cfg:    cfg,
		logger: logger,
		inv:    inv,
		dedupe: newVersionDedupe(cfg.DedupeSize),
	}
}

// Start consumes table-change events until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	if c.inv == nil {
		return errors.New("kafkaconsumer: missing invalidator")
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_1_0_0
	cfg.Consumer.Group.Session.Timeout = c.cfg.SessionTimeout
	cfg.Consumer.Group.Heartbeat.Interval = c.cfg.Heartbeat
	cfg.Consumer.Group.Rebalance.Timeout = c.cfg.RebalanceTimeout
	if c.cfg.InitialOffsetOldest {
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	cfg.Consumer.Offsets.AutoCommit.Enable = true

	group, err := sarama.NewConsumerGroup(c.cfg.Brokers, c.cfg.GroupID, cfg)
	if err != nil {
		return fmt.Errorf("create consumer group: %w", err)
	}
	defer func() { _ = group.Close() }()

	handler := &groupHandler{process: c.ProcessOne}
	backoff := c.cfg.RetryBackoff
	if backoff <= 0 {
		backoff = 2 * time.Second
	}

	c.logger.Info("cache invalidation consumer starting",
		"brokers", c.cfg.Brokers, "topic", c.cfg.Topic, "group", c.cfg.GroupID)

	for {
		wait := time.Duration(0)
		if err := group.Consume(ctx, []string{c.cfg.Topic}, handler); err != nil {
			obs.IncInvalidation("consume_error")
			c.logger.Error("kafka consumer error", "err", err, "topic", c.cfg.Topic)
			wait = backoff
		}
		select {
		case <-ctx.Done():
			c.logger.Info("cache invalidation consumer shutting down")
			return nil
		case <-time.After(wait):
		}
	}
}

// ProcessOne applies one table-change message. Malformed events are logged
// and skipped; only an invalidation failure is returned so the offset is not
// marked.
func (c *Consumer) ProcessOne(ctx context.Context, msg *sarama.ConsumerMessage) error {
	start := time.Now()
	ctx = mylog.WithComponent(ctx, "cache_invalidation")

	var ev invalidation.Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		obs.IncInvalidation("decode_error")
		c.logger.WarnContext(ctx, "skipping undecodable table-change event",
			"err", err, "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset)
		return nil
	}
	if err := ev.Validate(); err != nil {
		obs.IncInvalidation("invalid")
		c.logger.WarnContext(ctx, "skipping invalid table-change event",
			"err", err, "table", ev.Table, "offset", msg.Offset)
		return nil
	}
	if ev.TableVersion > 0 && !c.dedupe.shouldApply(ev.DedupeKey(), ev.TableVersion) {
		obs.IncInvalidation("duplicate")
		c.logger.DebugContext(ctx, "stale table version ignored",
			"table", ev.Table, "table_version", ev.TableVersion)
		return nil
	}

	gen, err := c.inv.Invalidate(ctx)
	if err != nil {
		obs.IncInvalidation("error")
		return fmt.Errorf("invalidate: %w", err)
	}

	if ev.TableVersion > 0 {
		c.dedupe.commit(ev.DedupeKey(), ev.TableVersion)
	}
	obs.IncInvalidation("applied")
	obs.ObserveUpstreamLatency("redis", "invalidate", time.Since(start).Seconds())
	c.logger.InfoContext(mylog.WithTable(ctx, ev.Table), "query cache invalidated",
		"op", ev.Op, "generation", gen)
	return nil
}
