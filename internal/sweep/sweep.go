// Package sweep runs the periodic task maintenance passes for every family.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukerupert/homebase/internal/family"
	"github.com/dukerupert/homebase/internal/task"
	"golang.org/x/sync/errgroup"
)

// Families lists the families to sweep.
type Families interface {
	ListFamilies(ctx context.Context) ([]family.Family, error)
}

// Tasks is the part of the task service a sweep drives.
type Tasks interface {
	MarkOverdue(ctx context.Context, familyID string, now time.Time) (int, error)
	AutoResetStale(ctx context.Context, familyID string, now time.Time) ([]string, error)
}

// Report summarizes one sweep.
type Report struct {
	Families int `json:"families"`
	Overdue  int `json:"overdue"`
	Reset    int `json:"reset"`
	Failed   int `json:"failed"`
}

type Sweeper struct {
	families    Families
	tasks       Tasks
	logger      *slog.Logger
	interval    time.Duration
	concurrency int

	mu     sync.RWMutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(families Families, tasks Tasks, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Sweeper{
		families:    families,
		tasks:       tasks,
		logger:      logger,
		interval:    interval,
		concurrency: 4,
	}
}

// RunOnce sweeps every family. Each family's passes use that family's
// timezone for day boundaries. One family failing does not stop the others;
// all failures come back joined.
func (s *Sweeper) RunOnce(ctx context.Context, now time.Time) (Report, error) {
	fams, err := s.families.ListFamilies(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list families: %w", err)
	}

	var (
		mu     sync.Mutex
		report = Report{Families: len(fams)}
		errs   []error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, f := range fams {
		g.Go(func() error {
			local := now.In(f.Location())
			overdue, ferr := s.tasks.MarkOverdue(gctx, f.ID, local)
			var reset []string
			if ferr == nil {
				reset, ferr = s.tasks.AutoResetStale(gctx, f.ID, local)
			}

			mu.Lock()
			defer mu.Unlock()
			report.Overdue += overdue
			report.Reset += len(reset)
			if ferr != nil {
				report.Failed++
				errs = append(errs, fmt.Errorf("sweep family %s: %w", f.ID, ferr))
				s.logger.Error("family sweep failed", "family_id", f.ID, "error", ferr)
			}
			return nil
		})
	}
	g.Wait()

	if report.Overdue > 0 || report.Reset > 0 {
		s.logger.Info("sweep complete",
			"families", report.Families, "overdue", report.Overdue,
			"reset", report.Reset, "failed", report.Failed)
	}
	return report, errors.Join(errs...)
}

// Start runs a sweep immediately and then on every interval until Stop.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.mu.Unlock()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			s.RunOnce(ctx, time.Now())
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// Stop cancels the loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.RLock()
	cancel := s.cancel
	done := s.done
	s.mu.RUnlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

var _ Tasks = (*task.Service)(nil)
