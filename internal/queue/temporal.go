package queue

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
)

var _ Broker = (*Temporal)(nil)

// Registered names, shared by publishers and workers.
const (
	deliverWorkflowName = "Deliver"
	handleActivityName  = "Handle"
)

// Error type of an activity whose message was not acknowledged.
const errTypeUnacked = "unacked"

type TemporalConfig struct {
	// Activities running at once per worker.
	Concurrency int
	// Attempts at handling one message, including the first.
	MaxAttempts int32
	// Bounds one attempt.
	HandleTimeout time.Duration
}

// Temporal is a broker over temporal task queues: every message starts a
// workflow whose single activity runs the handler. A message already being
// handled is not started twice.
type Temporal struct {
	client client.Client
	cfg    TemporalConfig
}

func NewTemporal(c client.Client, cfg TemporalConfig) *Temporal {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.HandleTimeout <= 0 {
		cfg.HandleTimeout = time.Minute
	}

	return &Temporal{client: c, cfg: cfg}
}

func (t *Temporal) Publish(ctx context.Context, queue string, body []byte) error {
	options := client.StartWorkflowOptions{
		ID:                       fmt.Sprintf("%s-%s", queue, hex.EncodeToString(body)),
		TaskQueue:                queue,
		WorkflowIDConflictPolicy: enumspb.WORKFLOW_ID_CONFLICT_POLICY_USE_EXISTING,
	}
	if _, err := t.client.ExecuteWorkflow(ctx, options, deliverWorkflowName, body); err != nil {
		return fmt.Errorf("unable to execute workflow: %s", err)
	}

	return nil
}

func (t *Temporal) Consume(ctx context.Context, queue string, h Handler) error {
	w := worker.New(t.client, queue, worker.Options{
		MaxConcurrentActivityExecutionSize: t.cfg.Concurrency,
	})
	register(w, deliveryWorkflows{cfg: t.cfg}, activities{handler: h})

	if err := w.Start(); err != nil {
		return fmt.Errorf("error starting worker: %s", err)
	}
	<-ctx.Done()
	w.Stop()

	return nil
}

// registry is what workers and the test environment have in common.
type registry interface {
	RegisterWorkflowWithOptions(w any, options workflow.RegisterOptions)
	RegisterActivityWithOptions(a any, options activity.RegisterOptions)
}

func register(r registry, wfs deliveryWorkflows, acts activities) {
	r.RegisterWorkflowWithOptions(wfs.Deliver, workflow.RegisterOptions{Name: deliverWorkflowName})
	r.RegisterActivityWithOptions(acts.Handle, activity.RegisterOptions{Name: handleActivityName})
}

type deliveryWorkflows struct {
	cfg TemporalConfig
}

func (wfs deliveryWorkflows) Deliver(ctx workflow.Context, body []byte) error {
	options := workflow.ActivityOptions{
		StartToCloseTimeout: wfs.cfg.HandleTimeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    time.Minute,
			MaximumAttempts:    wfs.cfg.MaxAttempts,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, options)

	if err := workflow.ExecuteActivity(ctx, handleActivityName, body).Get(ctx, nil); err != nil {
		workflow.GetLogger(ctx).Error("message dropped", "error", err)
		return err
	}

	return nil
}

type activities struct {
	handler Handler
}

// Handle runs the handler. The activity completing is the acknowledgement,
// so an unacknowledged message fails the attempt to be retried.
func (a activities) Handle(ctx context.Context, body []byte) error {
	d := &memoryDelivery{body: body}
	a.handler(ctx, d)
	if !d.acked() {
		return temporal.NewApplicationError("message not acknowledged", errTypeUnacked)
	}

	return nil
}
