package kafkaconsumer

import (
	"time"

	"github.com/mohammed-shakir/polygon-layer-publisher/internal/core/config"
)

type Config struct {
	Brokers             []string
	Topic               string
	GroupID             string
	SessionTimeout      time.Duration
	Heartbeat           time.Duration
	RebalanceTimeout    time.Duration
	InitialOffsetOldest bool
	DedupeSize          int
	RetryBackoff        time.Duration
}

func FromConfig(ev config.EventsCfg) Config {
	return Config{
		Brokers:             ev.BrokerList(),
		Topic:               ev.InvalidationTopic,
		GroupID:             ev.GroupID,
		SessionTimeout:      30 * time.Second,
		Heartbeat:           3 * time.Second,
		RebalanceTimeout:    30 * time.Second,
		InitialOffsetOldest: false,
		DedupeSize:          4096,
		RetryBackoff:        2 * time.Second,
	}
}
