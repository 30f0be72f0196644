// Package review runs the asynchronous half of verification: a queue task
// per uploaded document that OCRs it, scores it against the claims, and
// applies the verdict. Uploads never wait on this pipeline.
package review

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hibiken/asynq"

	"matricula/pkg/domain"
	dErrors "matricula/pkg/domain-errors"
)

// TypeMatchDocument is the queue task name for one review pass.
const TypeMatchDocument = "review:match"

type matchPayload struct {
	IdentityID string `json:"identity_id"`
}

// NewMatchTask builds the queue task for one identity's pending document.
func NewMatchTask(identityID domain.IdentityID) (*asynq.Task, error) {
	payload, err := json.Marshal(matchPayload{IdentityID: identityID.String()})
	if err != nil {
		return nil, fmt.Errorf("marshal match payload: %w", err)
	}
	return asynq.NewTask(TypeMatchDocument, payload), nil
}

// Enqueuer pushes review tasks onto the asynq/redis queue. It satisfies the
// verification service's ReviewEnqueuer.
type Enqueuer struct {
	client *asynq.Client
}

func NewEnqueuer(client *asynq.Client) *Enqueuer {
	return &Enqueuer{client: client}
}

func (e *Enqueuer) EnqueueMatch(ctx context.Context, identityID domain.IdentityID) error {
	task, err := NewMatchTask(identityID)
	if err != nil {
		return err
	}
	_, err = e.client.EnqueueContext(ctx, task,
		asynq.MaxRetry(5),
		asynq.Timeout(2*time.Minute),
	)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "enqueue review task")
	}
	return nil
}

// InlineEnqueuer runs the review in a goroutine inside the process.
// Development fallback for deployments without redis; the upload response
// still does not wait on it. The worker is bound after construction because
// the worker itself depends on the verification service.
type InlineEnqueuer struct {
	mu     sync.RWMutex
	worker *Worker
}

func NewInlineEnqueuer() *InlineEnqueuer {
	return &InlineEnqueuer{}
}

// Bind attaches the worker that executes inline reviews.
func (e *InlineEnqueuer) Bind(worker *Worker) {
	e.mu.Lock()
	e.worker = worker
	e.mu.Unlock()
}

func (e *InlineEnqueuer) EnqueueMatch(_ context.Context, identityID domain.IdentityID) error {
	e.mu.RLock()
	worker := e.worker
	e.mu.RUnlock()
	if worker == nil {
		return fmt.Errorf("inline enqueuer has no worker bound")
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		task, err := NewMatchTask(identityID)
		if err != nil {
			return
		}
		_ = worker.HandleMatchDocument(ctx, task)
	}()
	return nil
}
