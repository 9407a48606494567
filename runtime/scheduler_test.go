package runtime

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aschepis/backscratcher/relay/vectorsync"
	"github.com/rs/zerolog"
)

func TestParseSchedule(t *testing.T) {
	base := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		schedule string
		want     time.Time
		wantErr  bool
	}{
		{schedule: "*/15 * * * *", want: base.Add(15 * time.Minute)},
		{schedule: "0 0 * * * *", want: base.Add(time.Hour)},
		{schedule: "@every 30m", want: base.Add(30 * time.Minute)},
		{schedule: "2h", want: base.Add(2 * time.Hour)},
		{schedule: "", wantErr: true},
		{schedule: "-5m", wantErr: true},
		{schedule: "not a schedule", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.schedule, func(t *testing.T) {
			s, err := ParseSchedule(tt.schedule)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tt.schedule)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseSchedule: %v", err)
			}
			if got := s.Next(base); !got.Equal(tt.want) {
				t.Errorf("Next = %v, want %v", got, tt.want)
			}
		})
	}
}

type fastSchedule time.Duration

func (f fastSchedule) Next(t time.Time) time.Time { return t.Add(time.Duration(f)) }

type countingSyncer struct {
	runs atomic.Int32
}

func (c *countingSyncer) SyncAll(context.Context) ([]*vectorsync.Report, error) {
	c.runs.Add(1)
	return []*vectorsync.Report{{Template: "kb"}}, nil
}

func TestSyncSchedulerRunsUntilCancelled(t *testing.T) {
	syncer := &countingSyncer{}
	s, err := NewSyncScheduler(syncer, "1h", time.Second, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewSyncScheduler: %v", err)
	}
	// cron rounds intervals up to a second
	s.schedule = fastSchedule(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for syncer.runs.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("expected at least 3 runs, got %d", syncer.runs.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestNewSyncSchedulerRejectsBadInput(t *testing.T) {
	if _, err := NewSyncScheduler(nil, "1h", 0, zerolog.Nop()); err == nil {
		t.Error("expected error for nil syncer")
	}
	if _, err := NewSyncScheduler(&countingSyncer{}, "bogus", 0, zerolog.Nop()); err == nil {
		t.Error("expected error for bad schedule")
	}
}
