// Package steps contains the step executor and the five step handlers
// that drive a work order through Count, Prepare, Test, Dry-Run, and
// Send. Handlers return errors; the executor owns all status writes and
// error classification.
package steps

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/slsupport/email-agent/internal/config"
	"github.com/slsupport/email-agent/internal/domain"
	"github.com/slsupport/email-agent/internal/eligibility"
	"github.com/slsupport/email-agent/internal/mailer"
	"github.com/slsupport/email-agent/internal/pkg/logger"
	"github.com/slsupport/email-agent/internal/store"
	"github.com/slsupport/email-agent/internal/templates"
	"github.com/slsupport/email-agent/internal/workorder"
)

// Store is the persistence surface the executor and handlers use.
type Store interface {
	GetWorkOrder(ctx context.Context, id string) (*workorder.WorkOrder, error)
	UpdateWorkOrder(ctx context.Context, id string, patch map[string]interface{}) (*workorder.WorkOrder, error)
	CheckForStopMessage(ctx context.Context, workOrderID string) (bool, error)

	ScanStudents(ctx context.Context) ([]domain.Student, error)
	ScanPools(ctx context.Context) ([]domain.Pool, error)
	ScanPrompts(ctx context.Context) ([]domain.Prompt, error)
	GetStudent(ctx context.Context, id string) (*domain.Student, error)
	GetEvent(ctx context.Context, aid string) (*domain.Event, error)
	GetStageRecord(ctx context.Context, stage string) (*domain.StageRecord, error)
	UpdateEventEmbeddedEmail(ctx context.Context, aid, subEvent, stage, lang, s3Path string) error

	GetObjectContent(ctx context.Context, key string) (string, error)
	PutHTMLObject(ctx context.Context, key, html string) error
	ObjectURL(key string) string
	ObjectKeyFromURL(url string) string

	AppendDryrunRecipient(ctx context.Context, campaign string, rec store.SentRecord) error
	AppendSendRecipient(ctx context.Context, campaign string, rec store.SentRecord) error
	DeleteDryrunRecipients(ctx context.Context, campaign string) error
	CountEmailsSentByAccount(ctx context.Context, account string, since time.Time) (int, error)
	SetStudentEmailSent(ctx context.Context, studentID, campaign string, at time.Time) error
}

// TemplateService renders campaign HTML by template name.
type TemplateService interface {
	FetchHTML(ctx context.Context, templateName, subject, fromName, replyTo string) (string, error)
}

// MailGateway submits messages; see the mailer package.
type MailGateway interface {
	Send(ctx context.Context, p mailer.SendParams) error
}

// Parker is the sleep queue's admission surface.
type Parker interface {
	TryPark(workOrderID string, sleepUntil time.Time) bool
}

// Outcome reports how a dispatched step finished.
type Outcome struct {
	Status workorder.StepStatus
	// Parked is true when the work order entered the Sleeping state and
	// must keep its lock.
	Parked     bool
	SleepUntil time.Time
}

// Executor dispatches one step at a time and owns the resulting status
// transition.
type Executor struct {
	store     Store
	templates TemplateService
	mail      MailGateway
	parker    Parker
	cfg       config.Config
	log       *logger.Logger
}

// New builds an Executor.
func New(st Store, ts TemplateService, mg MailGateway, parker Parker, cfg config.Config, log *logger.Logger) *Executor {
	return &Executor{store: st, templates: ts, mail: mg, parker: parker, cfg: cfg, log: log}
}

// Execute runs the named step of a locked work order whose step status
// the main loop already set to working. It classifies the handler
// outcome into the final step status and persists it.
func (e *Executor) Execute(ctx context.Context, wo *workorder.WorkOrder, stepName workorder.StepName) (Outcome, error) {
	step := wo.StepByName(stepName)
	switch {
	case step == nil:
		return Outcome{Status: workorder.StatusError},
			fmt.Errorf("work order %s has no step %s", wo.ID, stepName)
	case !step.IsActive:
		return e.failStep(ctx, wo, stepName, workorder.StatusError,
			fmt.Sprintf("step %s is not active", stepName)), nil
	case !wo.Locked:
		return e.failStep(ctx, wo, stepName, workorder.StatusError,
			"work order is not locked"), nil
	case step.Status != workorder.StatusWorking:
		return e.failStep(ctx, wo, stepName, workorder.StatusError,
			fmt.Sprintf("step %s is %s, expected working", stepName, step.Status)), nil
	}

	run := &Run{ex: e, wo: wo, step: stepName}
	err := e.dispatch(ctx, run, stepName)

	// Status writes must land even when the run was cancelled by a
	// shutdown signal.
	pctx := context.WithoutCancel(ctx)

	if err != nil {
		status := classify(err)
		e.log.Log(logger.Steps, "step failed",
			"workOrderId", wo.ID, "step", string(stepName),
			"status", string(status), "error", err.Error())
		return e.failStep(pctx, wo, stepName, status, err.Error()), nil
	}

	if run.parkRequested {
		return e.park(pctx, wo, stepName, run.sleepUntil)
	}
	return e.completeStep(pctx, wo, stepName)
}

func (e *Executor) dispatch(ctx context.Context, run *Run, stepName workorder.StepName) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step panicked: %v", r)
		}
	}()
	switch stepName {
	case workorder.StepCount:
		return e.runCount(ctx, run)
	case workorder.StepPrepare:
		return e.runPrepare(ctx, run)
	case workorder.StepTest:
		return e.runTest(ctx, run)
	case workorder.StepDryRun:
		return e.runSend(ctx, run, true, false)
	case workorder.StepSend:
		return e.runSend(ctx, run, false, run.wo.SendContinuously)
	}
	return fmt.Errorf("unknown step %s", stepName)
}

// classify maps a handler error to the step status it produces.
func classify(err error) workorder.StepStatus {
	var qa *QAFailureError
	var val *ValidationError
	var limit *SendLimitError
	var pool *eligibility.MalformedPoolError
	var transport *TransportError
	switch {
	case errors.Is(err, ErrInterrupted) || errors.Is(err, context.Canceled):
		return workorder.StatusInterrupted
	case errors.As(err, &qa), errors.As(err, &val), errors.As(err, &limit),
		errors.As(err, &pool), errors.As(err, &transport):
		return workorder.StatusError
	case errors.Is(err, templates.ErrNotFound):
		return workorder.StatusError
	case errors.Is(err, store.ErrUnavailable):
		return workorder.StatusException
	}
	return workorder.StatusException
}

// failStep persists a failure status with the error message. The step
// stays active so the user can retry it.
func (e *Executor) failStep(ctx context.Context, wo *workorder.WorkOrder, stepName workorder.StepName, status workorder.StepStatus, message string) Outcome {
	now := time.Now().UTC()
	if step := wo.StepByName(stepName); step != nil {
		step.Status = status
		step.Message = message
		step.EndTime = &now
	}
	if _, err := e.store.UpdateWorkOrder(ctx, wo.ID, map[string]interface{}{"steps": wo.Steps}); err != nil {
		e.log.Error("persisting step failure", "workOrderId", wo.ID, "error", err.Error())
	}
	return Outcome{Status: status}
}

// completeStep marks the step complete and enables its successor.
func (e *Executor) completeStep(ctx context.Context, wo *workorder.WorkOrder, stepName workorder.StepName) (Outcome, error) {
	now := time.Now().UTC()
	idx := wo.StepIndex(stepName)
	wo.Steps[idx].Status = workorder.StatusComplete
	wo.Steps[idx].EndTime = &now
	wo.Steps[idx].IsActive = false
	if idx+1 < len(wo.Steps) {
		wo.Steps[idx+1].Status = workorder.StatusReady
		wo.Steps[idx+1].IsActive = true
	}
	if _, err := e.store.UpdateWorkOrder(ctx, wo.ID, map[string]interface{}{"steps": wo.Steps}); err != nil {
		return Outcome{Status: workorder.StatusComplete}, err
	}
	e.log.Log(logger.Steps, "step complete", "workOrderId", wo.ID, "step", string(stepName))
	return Outcome{Status: workorder.StatusComplete}, nil
}

// park moves a continuous send into the Sleeping state. The work order
// keeps its lock; the sleep queue wakes it at sleepUntil.
func (e *Executor) park(ctx context.Context, wo *workorder.WorkOrder, stepName workorder.StepName, sleepUntil time.Time) (Outcome, error) {
	if !e.parker.TryPark(wo.ID, sleepUntil) {
		return e.failStep(ctx, wo, stepName, workorder.StatusError,
			"Too many work orders are already sleeping"), nil
	}

	idx := wo.StepIndex(stepName)
	wo.Steps[idx].Status = workorder.StatusSleeping
	wo.Steps[idx].Message = "Sleeping until " + sleepUntil.UTC().Format(time.RFC3339)
	_, err := e.store.UpdateWorkOrder(ctx, wo.ID, map[string]interface{}{
		"steps":      wo.Steps,
		"state":      workorder.StateSleeping,
		"sleepUntil": sleepUntil.UTC(),
	})
	if err != nil {
		return Outcome{Status: workorder.StatusSleeping}, err
	}
	e.log.Log(logger.Steps, "work order parked",
		"workOrderId", wo.ID, "sleepUntil", sleepUntil.UTC().Format(time.RFC3339))
	return Outcome{Status: workorder.StatusSleeping, Parked: true, SleepUntil: sleepUntil}, nil
}

// Run is the handler-side view of one step execution: progress
// reporting, stop polling, interruptible sleeping, and park requests.
type Run struct {
	ex   *Executor
	wo   *workorder.WorkOrder
	step workorder.StepName

	parkRequested bool
	sleepUntil    time.Time
}

// Progress writes a message onto the running step.
func (r *Run) Progress(ctx context.Context, msg string) {
	if step := r.wo.StepByName(r.step); step != nil {
		step.Message = msg
	}
	if _, err := r.ex.store.UpdateWorkOrder(ctx, r.wo.ID, map[string]interface{}{"steps": r.wo.Steps}); err != nil {
		r.ex.log.Warn("writing step progress", "workOrderId", r.wo.ID, "error", err.Error())
	}
	r.ex.log.Log(logger.Progress, msg, "workOrderId", r.wo.ID, "step", string(r.step))
}

// CheckStop polls the command queue for a stop addressed to this work
// order and reloads the record; a stop request or a deleted work order
// returns ErrInterrupted.
func (r *Run) CheckStop(ctx context.Context) error {
	found, err := r.ex.store.CheckForStopMessage(ctx, r.wo.ID)
	if err != nil {
		r.ex.log.Warn("polling for stop message", "workOrderId", r.wo.ID, "error", err.Error())
	}
	if found {
		if _, err := r.ex.store.UpdateWorkOrder(ctx, r.wo.ID, map[string]interface{}{"stopRequested": true}); err != nil {
			r.ex.log.Warn("recording stop request", "workOrderId", r.wo.ID, "error", err.Error())
		}
		return ErrInterrupted
	}
	fresh, err := r.ex.store.GetWorkOrder(ctx, r.wo.ID)
	if err != nil {
		return err
	}
	if fresh == nil || fresh.StopRequested {
		return ErrInterrupted
	}
	return nil
}

// Sleep waits for d, rechecking the stop flag every stop-check
// interval so a burst sleep interrupts promptly.
func (r *Run) Sleep(ctx context.Context, d time.Duration) error {
	deadline := time.Now().Add(d)
	interval := r.ex.cfg.Agent.StopCheckInterval
	if interval <= 0 {
		interval = time.Second
	}
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		if remaining < interval {
			interval = remaining
		}
		timer := time.NewTimer(interval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
		fresh, err := r.ex.store.GetWorkOrder(ctx, r.wo.ID)
		if err != nil {
			return err
		}
		if fresh == nil || fresh.StopRequested {
			return ErrInterrupted
		}
	}
}

// RequestPark asks the executor to move the work order into the
// Sleeping state instead of completing the step.
func (r *Run) RequestPark(sleepUntil time.Time) {
	r.parkRequested = true
	r.sleepUntil = sleepUntil
}
