package kafkaconsumer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mohammed-shakir/polygon-layer-publisher/internal/core/observability"
	"github.com/mohammed-shakir/polygon-layer-publisher/internal/invalidation"
)

type fakeInvalidator struct {
	mu        sync.Mutex
	calls     int
	failFirst bool
}

func (f *fakeInvalidator) Invalidate(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failFirst {
		f.failFirst = false
		return 0, errors.New("redis down")
	}
	return int64(f.calls), nil
}

func (f *fakeInvalidator) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type sess struct {
	ctx    context.Context
	mu     sync.Mutex
	marked []int64
}

func (s *sess) Claims() map[string][]int32 { return nil }
func (s *sess) MemberID() string           { return "" }
func (s *sess) GenerationID() int32        { return 0 }
func (s *sess) MarkMessage(m *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	s.marked = append(s.marked, m.Offset)
	s.mu.Unlock()
}
func (s *sess) ResetOffset(_ string, _ int32, _ int64, _ string) {}
func (s *sess) MarkOffset(_ string, _ int32, _ int64, _ string)  {}
func (s *sess) Context() context.Context                         { return s.ctx }
func (s *sess) Errors() <-chan error                             { return nil }
func (s *sess) Commit()                                          {}

type claim struct {
	part int32
	hwm  int64
	msgs chan *sarama.ConsumerMessage
}

func (c *claim) Topic() string                            { return "table-changes" }
func (c *claim) Partition() int32                         { return c.part }
func (c *claim) InitialOffset() int64                     { return 0 }
func (c *claim) HighWaterMarkOffset() int64               { return c.hwm }
func (c *claim) Messages() <-chan *sarama.ConsumerMessage { return c.msgs }

func eventBytes(table string, version uint64) []byte {
	ev := invalidation.Event{
		Version: 1, Op: "update", Table: table, TS: time.Now().UTC(), TableVersion: version,
	}
	b, _ := json.Marshal(ev)
	return b
}

func newConsumerForTest(inv Invalidator) *Consumer {
	cfg := Config{Brokers: []string{"x"}, Topic: "table-changes", GroupID: "g"}
	return New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), inv)
}

func TestSinglePartition_OrderAndCommitAfterWork(t *testing.T) {
	inv := &fakeInvalidator{}
	c := newConsumerForTest(inv)

	g := &groupHandler{process: c.ProcessOne}
	s := &sess{ctx: t.Context()}
	ch := make(chan *sarama.ConsumerMessage, 2)
	ch <- &sarama.ConsumerMessage{Topic: "table-changes", Offset: 10, Value: eventBytes("parks", 0)}
	ch <- &sarama.ConsumerMessage{Topic: "table-changes", Offset: 11, Value: eventBytes("roads", 0)}
	close(ch)

	if err := g.ConsumeClaim(s, &claim{msgs: ch}); err != nil {
		t.Fatalf("ConsumeClaim: %v", err)
	}
	if len(s.marked) != 2 || s.marked[0] != 10 || s.marked[1] != 11 {
		t.Fatalf("marked offsets=%v want [10 11]", s.marked)
	}
	if inv.count() != 2 {
		t.Fatalf("invalidations=%d want 2", inv.count())
	}
}

func TestRetry_CommitOnceAfterSuccess(t *testing.T) {
	inv := &fakeInvalidator{failFirst: true}
	c := newConsumerForTest(inv)
	ctx := context.Background()

	msg := &sarama.ConsumerMessage{Topic: "table-changes", Offset: 5, Value: eventBytes("parks", 7)}
	if err := c.ProcessOne(ctx, msg); err == nil {
		t.Fatalf("expected error on first attempt")
	}

	s := &sess{ctx: ctx}
	g := &groupHandler{process: c.ProcessOne}
	ch := make(chan *sarama.ConsumerMessage, 1)
	ch <- msg
	close(ch)
	if err := g.ConsumeClaim(s, &claim{msgs: ch}); err != nil {
		t.Fatalf("ConsumeClaim second attempt: %v", err)
	}
	if len(s.marked) != 1 || s.marked[0] != 5 {
		t.Fatalf("offset was not marked after success; marked=%v", s.marked)
	}
	if inv.count() != 2 {
		t.Fatalf("invalidations=%d want 2 (failed + retried)", inv.count())
	}
}

func TestStaleTableVersionSkipped(t *testing.T) {
	inv := &fakeInvalidator{}
	c := newConsumerForTest(inv)
	ctx := context.Background()

	for i, v := range []uint64{3, 3, 2, 4} {
		msg := &sarama.ConsumerMessage{Offset: int64(i), Value: eventBytes("parks", v)}
		if err := c.ProcessOne(ctx, msg); err != nil {
			t.Fatalf("ProcessOne(%d): %v", v, err)
		}
	}
	if inv.count() != 2 {
		t.Fatalf("invalidations=%d want 2 (versions 3 and 4)", inv.count())
	}
}

func TestMalformedEventsAreSkippedNotFatal(t *testing.T) {
	inv := &fakeInvalidator{}
	c := newConsumerForTest(inv)
	s := &sess{ctx: t.Context()}
	g := &groupHandler{process: c.ProcessOne}

	bad, _ := json.Marshal(invalidation.Event{Version: 9, Op: "update", Table: "parks", TS: time.Now()})
	ch := make(chan *sarama.ConsumerMessage, 2)
	ch <- &sarama.ConsumerMessage{Offset: 1, Value: []byte("{not json")}
	ch <- &sarama.ConsumerMessage{Offset: 2, Value: bad}
	close(ch)

	if err := g.ConsumeClaim(s, &claim{msgs: ch}); err != nil {
		t.Fatalf("ConsumeClaim: %v", err)
	}
	if len(s.marked) != 2 {
		t.Fatalf("malformed messages should still be marked; marked=%v", s.marked)
	}
	if inv.count() != 0 {
		t.Fatalf("invalidations=%d want 0", inv.count())
	}
}

func TestMultiPartition_Parallel(t *testing.T) {
	inv := &fakeInvalidator{}
	c := newConsumerForTest(inv)
	g := &groupHandler{process: c.ProcessOne}
	s := &sess{ctx: t.Context()}

	p0 := make(chan *sarama.ConsumerMessage, 2)
	p1 := make(chan *sarama.ConsumerMessage, 2)
	p0 <- &sarama.ConsumerMessage{Partition: 0, Offset: 1, Value: eventBytes("parks", 0)}
	p0 <- &sarama.ConsumerMessage{Partition: 0, Offset: 2, Value: eventBytes("parks", 0)}
	p1 <- &sarama.ConsumerMessage{Partition: 1, Offset: 1, Value: eventBytes("roads", 0)}
	p1 <- &sarama.ConsumerMessage{Partition: 1, Offset: 2, Value: eventBytes("roads", 0)}
	close(p0)
	close(p1)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _ = g.ConsumeClaim(s, &claim{part: 0, msgs: p0}) }()
	go func() { defer wg.Done(); _ = g.ConsumeClaim(s, &claim{part: 1, msgs: p1}) }()
	wg.Wait()

	if len(s.marked) != 4 {
		t.Fatalf("expected 4 marks total; got %v", s.marked)
	}
}

// gathered returns the value of family{partition=part,outcome=outcome}; an
// empty outcome matches series without that label.
func gathered(t *testing.T, family, part, outcome string) float64 {
	t.Helper()
	reg := prometheus.NewRegistry()
	reg.MustRegister(observability.Collectors()...)
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != family {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, l := range m.GetLabel() {
				labels[l.GetName()] = l.GetValue()
			}
			if labels["partition"] != part || labels["outcome"] != outcome {
				continue
			}
			if m.GetCounter() != nil {
				return m.GetCounter().GetValue()
			}
			return m.GetGauge().GetValue()
		}
	}
	return 0
}

func TestConsumeClaim_CountsOffsetsAndLag(t *testing.T) {
	c := newConsumerForTest(&fakeInvalidator{})
	g := &groupHandler{process: c.ProcessOne}
	s := &sess{ctx: t.Context()}

	before := gathered(t, "polygon_invalidation_messages_total", "7", "marked")
	ch := make(chan *sarama.ConsumerMessage, 2)
	ch <- &sarama.ConsumerMessage{Topic: "table-changes", Partition: 7, Offset: 3, Value: eventBytes("parks", 0)}
	ch <- &sarama.ConsumerMessage{Topic: "table-changes", Partition: 7, Offset: 4, Value: eventBytes("roads", 0)}
	close(ch)
	if err := g.ConsumeClaim(s, &claim{part: 7, hwm: 10, msgs: ch}); err != nil {
		t.Fatalf("ConsumeClaim: %v", err)
	}

	if got := gathered(t, "polygon_invalidation_messages_total", "7", "marked"); got != before+2 {
		t.Fatalf("marked=%v want %v", got, before+2)
	}
	if got := gathered(t, "polygon_invalidation_consumer_lag", "7", ""); got != 5 {
		t.Fatalf("lag=%v want 5", got)
	}
}

func TestConsumeClaim_FailedInvalidationCountedNotMarked(t *testing.T) {
	c := newConsumerForTest(&fakeInvalidator{failFirst: true})
	g := &groupHandler{process: c.ProcessOne}
	s := &sess{ctx: t.Context()}

	before := gathered(t, "polygon_invalidation_messages_total", "8", "failed")
	ch := make(chan *sarama.ConsumerMessage, 1)
	ch <- &sarama.ConsumerMessage{Topic: "table-changes", Partition: 8, Offset: 1, Value: eventBytes("parks", 0)}
	close(ch)
	if err := g.ConsumeClaim(s, &claim{part: 8, hwm: 2, msgs: ch}); err == nil {
		t.Fatal("expected error from failed invalidation")
	}
	if len(s.marked) != 0 {
		t.Fatalf("marked=%v want none", s.marked)
	}
	if got := gathered(t, "polygon_invalidation_messages_total", "8", "failed"); got != before+1 {
		t.Fatalf("failed=%v want %v", got, before+1)
	}
}
