package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"warden/internal/audit"
	"warden/internal/eventbus"
	logx "warden/pkg/logx"
)

var ErrStopped = errors.New("notifier stopped")

// Config controls the case notification pipeline.
type Config struct {
	Enabled       bool
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
	// RatePerSec bounds how many batches per second reach the sink.
	RatePerSec  int
	SendTimeout time.Duration
}

// Sink delivers a batch of cases somewhere outside the process. Failures
// are logged by the caller and the batch is dropped.
type Sink interface {
	Publish(ctx context.Context, cases []audit.Case) error
}

type SinkFunc func(ctx context.Context, cases []audit.Case) error

func (f SinkFunc) Publish(ctx context.Context, cases []audit.Case) error { return f(ctx, cases) }

// BusSink publishes one audit.case_created event per case.
type BusSink struct {
	Bus eventbus.Bus
}

func (s BusSink) Publish(_ context.Context, cases []audit.Case) error {
	if s.Bus == nil {
		return nil
	}
	now := time.Now()
	for _, c := range cases {
		s.Bus.Publish(eventbus.Event{Type: eventbus.TypeCaseCreated, Time: now, Data: c})
	}
	return nil
}

// LineSink renders each batch as text lines for a log channel.
type LineSink struct {
	Sender logx.LineSender
}

func (s LineSink) Publish(ctx context.Context, cases []audit.Case) error {
	if s.Sender == nil || len(cases) == 0 {
		return nil
	}
	lines := make([]string, 0, len(cases))
	for _, c := range cases {
		lines = append(lines, FormatCase(c))
	}
	return s.Sender.SendLine(ctx, strings.Join(lines, "\n"))
}

// FormatCase is the one-line rendering used by LineSink and the CLI.
func FormatCase(c audit.Case) string {
	var b strings.Builder
	fmt.Fprintf(&b, "#%d %s %s:%d by %d", c.ID, c.Kind, c.Target.TargetKind(), c.Target.TargetID(), c.ModeratorID)
	if c.ActionExpiration != nil {
		fmt.Fprintf(&b, " until %s", c.ActionExpiration.UTC().Format(time.RFC3339))
	}
	if c.Reason != "" {
		b.WriteString(" | ")
		b.WriteString(c.Reason)
	}
	return b.String()
}

// MultiSink fans a batch out to several sinks and joins their errors.
type MultiSink []Sink

func (m MultiSink) Publish(ctx context.Context, cases []audit.Case) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Publish(ctx, cases); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
