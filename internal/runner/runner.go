package runner

import (
	"context"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mirajehossain/schemaguard/internal/changelog"
	"github.com/mirajehossain/schemaguard/internal/executor"
	"github.com/mirajehossain/schemaguard/internal/lock"
)

// Guard is the slice of the lock manager the runner needs.
type Guard interface {
	Held() bool
	AcquireWait(ctx context.Context, timeout time.Duration) error
	Release(ctx context.Context) (bool, error)
}

// Summary aggregates a batch outcome.
type Summary struct {
	Applied int
	Skipped int
}

// Runner orders and applies collections of units. Every batch requires the
// migration lock to already be held; RunAll can take and give back the lock
// itself.
type Runner struct {
	exec *executor.Executor
	lock Guard
	log  *logrus.Logger
}

func New(exec *executor.Executor, guard Guard, log *logrus.Logger) *Runner {
	return &Runner{exec: exec, lock: guard, log: log}
}

// RunVersioned applies versioned units in ascending version order regardless
// of input order. Units already applied are skipped by the executor.
func (r *Runner) RunVersioned(ctx context.Context, units []executor.Unit) (Summary, error) {
	if !r.lock.Held() {
		return Summary{}, lock.ErrNotHeld
	}
	ordered := make([]executor.Unit, len(units))
	copy(ordered, units)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Version < ordered[j].Version })

	var sum Summary
	for _, u := range ordered {
		u.Kind = changelog.KindVersioned
		res, err := r.exec.Execute(ctx, u, true)
		if err != nil {
			return sum, err
		}
		sum.count(res.State)
	}
	return sum, nil
}

// RunRepeatable applies repeatable units in ascending filename order. The
// executor decides per unit whether its content changed since the last run.
func (r *Runner) RunRepeatable(ctx context.Context, units []executor.Unit) (Summary, error) {
	if !r.lock.Held() {
		return Summary{}, lock.ErrNotHeld
	}
	ordered := make([]executor.Unit, len(units))
	copy(ordered, units)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Filename < ordered[j].Filename })

	var sum Summary
	for _, u := range ordered {
		u.Kind = changelog.KindRepeatable
		res, err := r.exec.Execute(ctx, u, true)
		if err != nil {
			return sum, err
		}
		sum.count(res.State)
	}
	return sum, nil
}

// RunAll runs the versioned batch, then the repeatable batch. With
// acquireLock set it waits for the lock first, and with releaseLock set it
// releases on the way out, error path included, when it did the acquiring.
// The original batch error is never masked by a release failure.
func (r *Runner) RunAll(ctx context.Context, versioned, repeatable []executor.Unit, acquireLock, releaseLock bool) (total Summary, err error) {
	if acquireLock {
		if err := r.lock.AcquireWait(ctx, 0); err != nil {
			return Summary{}, err
		}
		if releaseLock {
			defer func() {
				if _, relErr := r.lock.Release(ctx); relErr != nil && err == nil {
					err = relErr
				}
			}()
		}
	}

	vs, err := r.RunVersioned(ctx, versioned)
	total.add(vs)
	if err != nil {
		return total, err
	}
	rs, err := r.RunRepeatable(ctx, repeatable)
	total.add(rs)
	return total, err
}

func (s *Summary) count(st executor.State) {
	switch st {
	case executor.StateApplied:
		s.Applied++
	case executor.StateSkipped:
		s.Skipped++
	}
}

func (s *Summary) add(o Summary) {
	s.Applied += o.Applied
	s.Skipped += o.Skipped
}
