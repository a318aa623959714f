package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestNextTickAligned(t *testing.T) {
	s := New(Options{Interval: time.Hour, AlignToStart: true}, zerolog.Nop())

	now := time.Date(2024, 1, 1, 10, 17, 0, 0, time.UTC)
	next := s.nextTick(now)
	if want := time.Date(2024, 1, 1, 11, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("期望对齐到 %s, 实际 %s", want, next)
	}

	// Exactly on a boundary moves to the next bucket, never fires twice.
	next = s.nextTick(time.Date(2024, 1, 1, 11, 0, 0, 0, time.UTC))
	if want := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("整点边界应跳到下一个桶, 实际 %s", next)
	}
}

func TestNextTickUnaligned(t *testing.T) {
	s := New(Options{Interval: time.Hour}, zerolog.Nop())

	now := time.Date(2024, 1, 1, 10, 17, 0, 0, time.UTC)
	if next := s.nextTick(now); !next.Equal(now.Add(time.Hour)) {
		t.Fatalf("非对齐模式应固定间隔, 实际 %s", next)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	s := New(Options{Interval: time.Hour}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Run(ctx, func(context.Context, time.Time) error { return nil }); err == nil {
		t.Fatal("取消后 Run 应返回 ctx 错误")
	}
}
