package search

import (
	"context"

	"github.com/google/uuid"
	"github.com/riverqueue/river"
)

type RunSearchArgs struct {
	SearchID uuid.UUID `json:"search_id"`
}

func (RunSearchArgs) Kind() string { return "run_search" }

// RunSearchWorker executes a queued search in the background.
type RunSearchWorker struct {
	river.WorkerDefaults[RunSearchArgs]
	svc *Service
}

func NewRunSearchWorker(svc *Service) *RunSearchWorker {
	return &RunSearchWorker{svc: svc}
}

func (w *RunSearchWorker) Work(ctx context.Context, job *river.Job[RunSearchArgs]) error {
	return w.svc.Run(ctx, job.Args.SearchID)
}
