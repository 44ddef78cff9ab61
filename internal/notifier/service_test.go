package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"warden/internal/audit"
	"warden/internal/eventbus"
	"warden/internal/observability/metrics"
)

type captureSink struct {
	mu      sync.Mutex
	batches [][]audit.Case
	err     error
}

func (s *captureSink) Publish(_ context.Context, cases []audit.Case) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]audit.Case(nil), cases...))
	return s.err
}

func (s *captureSink) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func testCase(id int64) audit.Case {
	return audit.Case{ID: id, GuildID: 1, Target: audit.UserTarget{ID: 9}, Kind: audit.KindBan, Reason: "spam"}
}

func TestFlushOnFullBatch(t *testing.T) {
	t.Parallel()
	sink := &captureSink{}
	s := New(Config{Enabled: true, BatchSize: 3, FlushInterval: time.Hour, RatePerSec: 100}, sink, Options{})
	s.Start(context.Background())
	defer s.Stop(context.Background())

	for i := int64(1); i <= 3; i++ {
		s.Publish(testCase(i))
	}
	deadline := time.Now().Add(2 * time.Second)
	for sink.total() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("full batch not flushed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestFlushOnInterval(t *testing.T) {
	t.Parallel()
	sink := &captureSink{}
	s := New(Config{Enabled: true, BatchSize: 50, FlushInterval: 20 * time.Millisecond, RatePerSec: 100}, sink, Options{})
	s.Start(context.Background())
	defer s.Stop(context.Background())

	s.Publish(testCase(1))
	deadline := time.Now().Add(2 * time.Second)
	for sink.total() < 1 {
		if time.Now().After(deadline) {
			t.Fatalf("partial batch not flushed on tick")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStopDrainsQueue(t *testing.T) {
	t.Parallel()
	sink := &captureSink{}
	s := New(Config{Enabled: true, BatchSize: 4, FlushInterval: time.Hour, RatePerSec: 100}, sink, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)

	for i := int64(1); i <= 10; i++ {
		s.Publish(testCase(i))
	}
	// Cancelling the parent does not cut the drain short.
	cancel()
	s.Stop(context.Background())

	if got := sink.total(); got != 10 {
		t.Fatalf("delivered %d cases, want 10", got)
	}
	if err := s.Enqueue(testCase(11)); !errors.Is(err, ErrStopped) {
		t.Fatalf("Enqueue after Stop: %v", err)
	}
}

func TestPublishNeverBlocksWhenFull(t *testing.T) {
	t.Parallel()
	m := metrics.New()
	block := make(chan struct{})
	sink := SinkFunc(func(context.Context, []audit.Case) error { <-block; return nil })
	s := New(Config{Enabled: true, QueueSize: 2, BatchSize: 1, FlushInterval: time.Hour, RatePerSec: 100}, sink, Options{Metrics: m})
	s.Start(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := int64(1); i <= 20; i++ {
			s.Publish(testCase(i))
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Publish blocked")
	}
	if testutil.ToFloat64(m.NotifyDropped) == 0 {
		t.Fatalf("expected drops to be counted")
	}
	close(block)
	s.Stop(context.Background())
}

func TestSinkFailureIsCounted(t *testing.T) {
	t.Parallel()
	m := metrics.New()
	sink := &captureSink{err: errors.New("channel deleted")}
	s := New(Config{Enabled: true, BatchSize: 1, FlushInterval: time.Hour, RatePerSec: 100}, sink, Options{Metrics: m})
	s.Start(context.Background())
	s.Publish(testCase(1))
	s.Stop(context.Background())

	if got := testutil.ToFloat64(m.NotifyBatches.WithLabelValues("failed")); got != 1 {
		t.Fatalf("failed batches = %v", got)
	}
}

func TestDisabledDropsEverything(t *testing.T) {
	t.Parallel()
	s := New(Config{}, &captureSink{}, Options{})
	s.Start(context.Background())
	if err := s.Enqueue(testCase(1)); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v", err)
	}
}

func TestBusSink(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4)
	defer unsub()

	if err := (BusSink{Bus: bus}).Publish(context.Background(), []audit.Case{testCase(1), testCase(2)}); err != nil {
		t.Fatal(err)
	}
	for want := int64(1); want <= 2; want++ {
		ev := <-ch
		if ev.Type != eventbus.TypeCaseCreated || ev.Data.(audit.Case).ID != want {
			t.Fatalf("event = %+v", ev)
		}
	}
}

type lines struct{ got []string }

func (l *lines) SendLine(_ context.Context, line string) error {
	l.got = append(l.got, line)
	return nil
}

func TestLineSinkFormatsCases(t *testing.T) {
	t.Parallel()
	l := &lines{}
	exp := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	c := testCase(4)
	c.Kind = audit.KindMute
	c.ActionExpiration = &exp

	if err := (LineSink{Sender: l}).Publish(context.Background(), []audit.Case{c, testCase(5)}); err != nil {
		t.Fatal(err)
	}
	if len(l.got) != 1 {
		t.Fatalf("lines = %v", l.got)
	}
	parts := strings.Split(l.got[0], "\n")
	if parts[0] != "#4 mute user:9 by 0 until 2024-06-01T00:00:00Z | spam" {
		t.Fatalf("line = %q", parts[0])
	}
	if len(parts) != 2 {
		t.Fatalf("parts = %v", parts)
	}
}
