// Package events publishes query events to Kafka without blocking the
// request path.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"

	"github.com/mohammed-shakir/polygon-layer-publisher/internal/core/model"
	"github.com/mohammed-shakir/polygon-layer-publisher/internal/core/observability"
	"github.com/mohammed-shakir/polygon-layer-publisher/internal/logger"
	"github.com/mohammed-shakir/polygon-layer-publisher/internal/mapper"
)

type QueryEvent struct {
	RequestID     string    `json:"request_id,omitempty"`
	Cell          string    `json:"h3_cell,omitempty"`
	Res           int       `json:"h3_res"`
	Tables        int       `json:"tables"`
	MatchedTables int       `json:"matched_tables"`
	Rows          int       `json:"rows"`
	Failed        []string  `json:"failed,omitempty"`
	Cached        bool      `json:"cached"`
	Degraded      bool      `json:"degraded"`
	TS            time.Time `json:"ts"`
}

// Sink accepts events; implementations must not block.
type Sink interface {
	Publish(ev QueryEvent)
}

type Publisher struct {
	topic   string
	events  chan QueryEvent
	prod    sarama.AsyncProducer
	log     *slog.Logger
	stopped chan struct{}
}

func NewPublisher(brokers []string, topic string, queueSize int, log *slog.Logger) (*Publisher, error) {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.ClientID = "polygon-layer-publisher"
	cfg.Producer.Return.Errors = true
	cfg.Producer.Return.Successes = false
	cfg.Producer.RequiredAcks = sarama.WaitForLocal

	prod, err := sarama.NewAsyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("events: create async producer: %w", err)
	}
	return NewWithProducer(prod, topic, queueSize, log), nil
}

// NewWithProducer starts the publisher goroutines around an existing producer.
func NewWithProducer(prod sarama.AsyncProducer, topic string, queueSize int, log *slog.Logger) *Publisher {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if log == nil {
		log = slog.Default()
	}
	p := &Publisher{
		topic:   topic,
		events:  make(chan QueryEvent, queueSize),
		prod:    prod,
		log:     log,
		stopped: make(chan struct{}),
	}

	go func() {
		defer close(p.stopped)
		for ev := range p.events {
			b, err := json.Marshal(ev)
			if err != nil {
				observability.IncQueryEvent("error")
				p.log.Warn("events: marshal error", "err", err)
				continue
			}
			msg := &sarama.ProducerMessage{
				Topic: p.topic,
				Value: sarama.ByteEncoder(b),
			}
			if ev.Cell != "" {
				msg.Key = sarama.StringEncoder(ev.Cell)
			}
			p.prod.Input() <- msg
		}
	}()

	go func() {
		for err := range p.prod.Errors() {
			if err != nil {
				observability.IncQueryEvent("error")
				p.log.Warn("events: producer error", "err", err)
			}
		}
	}()

	return p
}

func (p *Publisher) Publish(ev QueryEvent) {
	select {
	case p.events <- ev:
		observability.IncQueryEvent("enqueued")
	default:
		// queue full: drop rather than block the request
		observability.IncQueryEvent("dropped")
	}
}

// Close drains queued events and closes the producer. Publish must not be
// called after Close.
func (p *Publisher) Close() error {
	close(p.events)
	<-p.stopped

	if err := p.prod.Close(); err != nil {
		return fmt.Errorf("events: close producer: %w", err)
	}
	return nil
}

// Recorder builds a QueryEvent from a finished query, tags it with the H3
// cell of the polygon centroid and hands it to a Sink.
type Recorder struct {
	sink   Sink
	mapper mapper.Interface
	res    int
	log    *slog.Logger
	now    func() time.Time
}

func NewRecorder(sink Sink, m mapper.Interface, res int, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{sink: sink, mapper: m, res: res, log: log, now: time.Now}
}

func (r *Recorder) Record(ctx context.Context, poly model.Polygon, rep model.Report) {
	if r == nil || r.sink == nil {
		return
	}
	ev := QueryEvent{
		RequestID:     logger.RequestID(ctx),
		Res:           r.res,
		Tables:        rep.Tables,
		MatchedTables: len(rep.Results),
		Rows:          rep.Matched(),
		Cached:        rep.Cached,
		Degraded:      rep.ConnErr != nil,
		TS:            r.now().UTC(),
	}
	if len(rep.Failures) > 0 {
		ev.Failed = rep.FailedTables()
	}
	if r.mapper != nil {
		cell, err := r.mapper.CellForPolygon(poly, r.res)
		if err != nil {
			r.log.DebugContext(ctx, "events: no h3 cell for polygon", "err", err)
		} else {
			ev.Cell = cell
		}
	}
	r.sink.Publish(ev)
}
