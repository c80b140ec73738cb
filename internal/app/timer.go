package app

import (
	"context"

	"petfeeder/internal/reconciler"
	"petfeeder/internal/task/scheduler"
)

// cronTimer exposes the scheduler as the reconciler's recurring timer.
type cronTimer struct {
	sched *scheduler.Service
}

func (t cronTimer) ScheduleRecurring(name, spec string, job func(ctx context.Context) error) (reconciler.Trigger, error) {
	h, err := t.sched.ScheduleRecurring(name, spec, job)
	if err != nil {
		return nil, err
	}
	return h, nil
}
