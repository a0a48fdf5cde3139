package task

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
)

type Enqueuer interface {
	Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type enqueuerImpl struct {
	client *asynq.Client
}

// NewEnqueuer creates a new Enqueuer instance using asynq.Client.
func NewEnqueuer(client *asynq.Client) Enqueuer {
	return &enqueuerImpl{client: client}
}

func (e *enqueuerImpl) Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	info, err := e.client.EnqueueContext(ctx, task, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}
	return info, nil
}

// Recorder is an in-memory Enqueuer for tests.
type Recorder struct {
	Tasks []*asynq.Task
	Err   error
}

func (r *Recorder) Enqueue(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	if r.Err != nil {
		return nil, r.Err
	}
	r.Tasks = append(r.Tasks, task)
	return &asynq.TaskInfo{Type: task.Type(), Payload: task.Payload()}, nil
}

// Types lists the recorded task types in enqueue order.
func (r *Recorder) Types() []string {
	out := make([]string, 0, len(r.Tasks))
	for _, t := range r.Tasks {
		out = append(out, t.Type())
	}
	return out
}
