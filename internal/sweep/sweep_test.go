package sweep

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/dukerupert/homebase/internal/family"
	"go.uber.org/goleak"
)

type fakeFamilies []family.Family

func (f fakeFamilies) ListFamilies(ctx context.Context) ([]family.Family, error) {
	return f, nil
}

type fakeTasks struct {
	mu      sync.Mutex
	fail    map[string]bool
	seen    map[string]time.Time
	overdue int
	reset   []string
}

func (f *fakeTasks) MarkOverdue(ctx context.Context, familyID string, now time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen[familyID] = now
	if f.fail[familyID] {
		return 0, errors.New("disk full")
	}
	return f.overdue, nil
}

func (f *fakeTasks) AutoResetStale(ctx context.Context, familyID string, now time.Time) ([]string, error) {
	return f.reset, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunOnceAggregates(t *testing.T) {
	fams := fakeFamilies{
		{ID: "a", Timezone: "America/New_York"},
		{ID: "b", Timezone: "Europe/Berlin"},
		{ID: "c"},
	}
	tasks := &fakeTasks{seen: make(map[string]time.Time), fail: map[string]bool{}, overdue: 2, reset: []string{"x"}}
	s := New(fams, tasks, time.Minute, quietLogger())

	now := time.Date(2024, 1, 10, 3, 0, 0, 0, time.UTC)
	report, err := s.RunOnce(context.Background(), now)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	want := Report{Families: 3, Overdue: 6, Reset: 3}
	if report != want {
		t.Errorf("report = %+v, want %+v", report, want)
	}
	if loc := tasks.seen["a"].Location().String(); loc != "America/New_York" {
		t.Errorf("family a swept in %s, want its own timezone", loc)
	}
	if !tasks.seen["b"].Equal(now) {
		t.Errorf("instant changed: %v", tasks.seen["b"])
	}
}

func TestRunOnceToleratesPartialFailure(t *testing.T) {
	fams := fakeFamilies{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	tasks := &fakeTasks{seen: make(map[string]time.Time), fail: map[string]bool{"b": true}, overdue: 1}
	s := New(fams, tasks, time.Minute, quietLogger())

	report, err := s.RunOnce(context.Background(), time.Now())
	if err == nil {
		t.Fatal("expected joined error")
	}
	if report.Failed != 1 || report.Overdue != 2 {
		t.Errorf("report = %+v, want 1 failed and 2 overdue", report)
	}
	if len(tasks.seen) != 3 {
		t.Errorf("swept %d families, want 3", len(tasks.seen))
	}
}

func TestStartStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	tasks := &fakeTasks{seen: make(map[string]time.Time), fail: map[string]bool{}}
	s := New(fakeFamilies{{ID: "a"}}, tasks, time.Hour, quietLogger())
	s.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for {
		tasks.mu.Lock()
		_, ok := tasks.seen["a"]
		tasks.mu.Unlock()
		if ok || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()

	if _, ok := tasks.seen["a"]; !ok {
		t.Error("Start should sweep immediately")
	}
}
