// Package agent runs the main loop: queue polling, start/stop command
// dispatch, sleeper revival, and the single in-flight step execution.
package agent

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/slsupport/email-agent/internal/config"
	"github.com/slsupport/email-agent/internal/pkg/logger"
	"github.com/slsupport/email-agent/internal/sleepqueue"
	"github.com/slsupport/email-agent/internal/steps"
	"github.com/slsupport/email-agent/internal/store"
	"github.com/slsupport/email-agent/internal/workorder"
)

// Store is the storage surface the main loop needs.
type Store interface {
	GetWorkOrder(ctx context.Context, id string) (*workorder.WorkOrder, error)
	UpdateWorkOrder(ctx context.Context, id string, patch map[string]interface{}) (*workorder.WorkOrder, error)
	ScanSleeping(ctx context.Context) ([]workorder.WorkOrder, error)
	ReceiveCommand(ctx context.Context) (*store.Message, error)
	DeleteCommand(ctx context.Context, receiptHandle string) error
	PurgeQueue(ctx context.Context) error
}

// Locks is the lock-manager surface.
type Locks interface {
	Owner() string
	Acquire(ctx context.Context, id string) (*workorder.WorkOrder, error)
	Release(ctx context.Context, id string) error
	ReleaseStale(ctx context.Context) error
}

// Executor dispatches one step; see the steps package.
type Executor interface {
	Execute(ctx context.Context, wo *workorder.WorkOrder, stepName workorder.StepName) (steps.Outcome, error)
}

// startableStatuses are the step states a start command may act on. A
// working step means a duplicate start, which is dropped.
var startableStatuses = map[workorder.StepStatus]bool{
	workorder.StatusReady:       true,
	workorder.StatusComplete:    true,
	workorder.StatusInterrupted: true,
	workorder.StatusError:       true,
	workorder.StatusException:   true,
	workorder.StatusSleeping:    true,
}

// Agent owns the poll loop. One work order is in flight at a time.
type Agent struct {
	store    Store
	locks    Locks
	executor Executor
	sleepers *sleepqueue.Queue
	cfg      config.AgentConfig
	log      *logger.Logger

	startedAt time.Time
	commands  atomic.Int64
	executed  atomic.Int64

	mu      sync.Mutex
	current string
}

// New builds an Agent.
func New(st Store, locks Locks, ex Executor, sleepers *sleepqueue.Queue, cfg config.AgentConfig, log *logger.Logger) *Agent {
	return &Agent{
		store:     st,
		locks:     locks,
		executor:  ex,
		sleepers:  sleepers,
		cfg:       cfg,
		log:       log,
		startedAt: time.Now(),
	}
}

// Startup recovers durable state after a restart: stale commands are
// purged, orphaned locks released, and sleeping work orders readopted.
func (a *Agent) Startup(ctx context.Context) error {
	if err := a.store.PurgeQueue(ctx); err != nil {
		return err
	}
	a.log.Log(logger.Progress, "command queue purged")

	if err := a.locks.ReleaseStale(ctx); err != nil {
		return err
	}

	return a.reviveSleepers(ctx)
}

// reviveSleepers re-adopts work orders parked before the restart. A
// past-due wake time is pushed out one interval so the woken pass does
// not start while startup is still running.
func (a *Agent) reviveSleepers(ctx context.Context) error {
	sleeping, err := a.store.ScanSleeping(ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, wo := range sleeping {
		until := now.Add(a.sendInterval(&wo))
		if wo.SleepUntil != nil && wo.SleepUntil.After(now) {
			until = *wo.SleepUntil
		}

		if !a.sleepers.TryPark(wo.ID, until) {
			a.log.Warn("sleep queue full during revival", "workOrderId", wo.ID)
			a.failSleepRevival(ctx, &wo)
			continue
		}
		if _, err := a.store.UpdateWorkOrder(ctx, wo.ID, map[string]interface{}{
			"locked":     true,
			"lockedBy":   a.locks.Owner(),
			"lockedAt":   now.UTC(),
			"sleepUntil": until.UTC(),
		}); err != nil {
			a.log.Error("readopting sleeping work order", "workOrderId", wo.ID, "error", err.Error())
			a.sleepers.Remove(wo.ID)
			continue
		}
		a.log.Log(logger.WorkOrder, "sleeping work order readopted",
			"workOrderId", wo.ID, "sleepUntil", until.UTC().Format(time.RFC3339))
	}
	return nil
}

// failSleepRevival surfaces a queue-full revival as a Send step error
// and frees the work order.
func (a *Agent) failSleepRevival(ctx context.Context, wo *workorder.WorkOrder) {
	a.failStep(ctx, wo, workorder.StepSend, "Too many work orders are already sleeping")
	if _, err := a.store.UpdateWorkOrder(ctx, wo.ID, map[string]interface{}{
		"state": nil, "sleepUntil": nil,
	}); err != nil {
		a.log.Error("clearing sleep state", "workOrderId", wo.ID, "error", err.Error())
	}
	if err := a.locks.Release(ctx, wo.ID); err != nil {
		a.log.Error("releasing unrevivable work order", "workOrderId", wo.ID, "error", err.Error())
	}
}

// Run polls until the context is cancelled.
func (a *Agent) Run(ctx context.Context) {
	a.log.Log(logger.Progress, "agent started", "owner", a.locks.Owner())
	for {
		if ctx.Err() != nil {
			return
		}
		a.sweepSleepers(ctx)

		msg, err := a.store.ReceiveCommand(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.log.Error("receiving command", "error", err.Error())
		} else if msg != nil {
			a.commands.Add(1)
			a.handleCommand(ctx, msg)
		}

		if !sleepCtx(ctx, a.cfg.PollInterval) {
			return
		}
	}
}

// sweepSleepers wakes every due sleeper with a synthetic Send start.
func (a *Agent) sweepSleepers(ctx context.Context) {
	for _, entry := range a.sleepers.Due(time.Now()) {
		wo, err := a.store.GetWorkOrder(ctx, entry.WorkOrderID)
		if err != nil {
			a.log.Error("loading sleeper", "workOrderId", entry.WorkOrderID, "error", err.Error())
			continue
		}
		if wo == nil {
			continue
		}
		if wo.StopRequested {
			a.log.Log(logger.WorkOrder, "dropping stopped sleeper", "workOrderId", wo.ID)
			continue
		}
		// The wake path re-acquires through the normal start flow.
		if err := a.locks.Release(ctx, wo.ID); err != nil {
			a.log.Error("unlocking sleeper", "workOrderId", wo.ID, "error", err.Error())
			continue
		}
		a.log.Log(logger.Progress, "waking work order", "workOrderId", wo.ID)
		a.handleStart(ctx, wo.ID, workorder.StepSend)
	}
}

// handleCommand routes one queue message.
func (a *Agent) handleCommand(ctx context.Context, msg *store.Message) {
	stepName := workorder.StepName(msg.Step)
	if !workorder.ValidStepName(stepName) || (msg.Action != "start" && msg.Action != "stop") {
		a.log.Warn("dropping malformed command",
			"workOrderId", msg.WorkOrderID, "step", msg.Step, "action", msg.Action)
		a.deleteMessage(ctx, msg)
		return
	}

	switch msg.Action {
	case "stop":
		a.handleStop(ctx, msg.WorkOrderID, stepName)
		a.deleteMessage(ctx, msg)
	case "start":
		// Delete first: a long-running step would outlive the receipt
		// handle and the message would redeliver mid-run.
		a.deleteMessage(ctx, msg)
		a.handleStart(ctx, msg.WorkOrderID, stepName)
	}
}

func (a *Agent) handleStop(ctx context.Context, id string, stepName workorder.StepName) {
	wo, err := a.store.GetWorkOrder(ctx, id)
	if err != nil {
		a.log.Error("loading work order for stop", "workOrderId", id, "error", err.Error())
		return
	}
	if wo == nil {
		a.log.Warn("stop for unknown work order", "workOrderId", id)
		return
	}

	wo, err = a.store.UpdateWorkOrder(ctx, id, map[string]interface{}{"stopRequested": true})
	if err != nil {
		a.log.Error("recording stop request", "workOrderId", id, "error", err.Error())
		return
	}

	step := wo.StepByName(stepName)
	if step == nil {
		a.log.Warn("stop for unknown step", "workOrderId", id, "step", string(stepName))
		return
	}
	if step.Status != workorder.StatusWorking && step.Status != workorder.StatusSleeping {
		a.log.Log(logger.Steps, "stop ignored, step not running",
			"workOrderId", id, "step", string(stepName), "status", string(step.Status))
		return
	}

	wasSleeping := step.Status == workorder.StatusSleeping
	now := time.Now().UTC()
	step.Status = workorder.StatusInterrupted
	step.Message = "Interrupted by stop request"
	step.EndTime = &now

	patch := map[string]interface{}{"steps": wo.Steps}
	if wasSleeping {
		patch["state"] = nil
		patch["sleepUntil"] = nil
	}
	if _, err := a.store.UpdateWorkOrder(ctx, id, patch); err != nil {
		a.log.Error("interrupting step", "workOrderId", id, "error", err.Error())
		return
	}

	a.sleepers.Remove(id)
	if err := a.locks.Release(ctx, id); err != nil {
		a.log.Error("releasing stopped work order", "workOrderId", id, "error", err.Error())
	}
	a.log.Log(logger.Steps, "step interrupted", "workOrderId", id, "step", string(stepName))
}

func (a *Agent) handleStart(ctx context.Context, id string, stepName workorder.StepName) {
	wo, err := a.store.GetWorkOrder(ctx, id)
	if err != nil {
		a.log.Error("loading work order for start", "workOrderId", id, "error", err.Error())
		return
	}
	if wo == nil {
		a.log.Warn("start for unknown work order", "workOrderId", id)
		return
	}

	wo, err = a.store.UpdateWorkOrder(ctx, id, map[string]interface{}{"stopRequested": false})
	if err != nil {
		a.log.Error("clearing stop request", "workOrderId", id, "error", err.Error())
		return
	}

	idx := wo.StepIndex(stepName)
	if idx < 0 {
		a.log.Warn("start for unknown step", "workOrderId", id, "step", string(stepName))
		return
	}
	if idx > 0 && wo.Steps[idx-1].Status != workorder.StatusComplete {
		a.failStep(ctx, wo, stepName, "Previous step is not complete")
		return
	}
	if wo.Steps[idx].Status == workorder.StatusWorking {
		a.log.Log(logger.Steps, "duplicate start ignored",
			"workOrderId", id, "step", string(stepName))
		return
	}
	if !startableStatuses[wo.Steps[idx].Status] {
		a.failStep(ctx, wo, stepName,
			"Step cannot be started from status "+string(wo.Steps[idx].Status))
		return
	}

	locked, err := a.locks.Acquire(ctx, id)
	if err != nil {
		a.log.Error("acquiring lock", "workOrderId", id, "error", err.Error())
		a.failStep(ctx, wo, stepName, "Could not lock work order for processing")
		return
	}
	if locked == nil {
		a.failStep(ctx, wo, stepName, "Could not lock work order for processing")
		return
	}
	wo = locked
	a.sleepers.Remove(id)

	wasSleeping := wo.Steps[idx].Status == workorder.StatusSleeping
	now := time.Now().UTC()
	for i := range wo.Steps {
		wo.Steps[i].IsActive = i == idx
	}
	wo.Steps[idx].Status = workorder.StatusWorking
	wo.Steps[idx].StartTime = &now
	wo.Steps[idx].EndTime = nil
	if wasSleeping {
		wo.Steps[idx].Message = "Waking from sleep, beginning work"
	} else {
		wo.Steps[idx].Message = "Starting"
	}

	patch := map[string]interface{}{"steps": wo.Steps}
	if wasSleeping {
		patch["state"] = nil
		patch["sleepUntil"] = nil
	}
	wo, err = a.store.UpdateWorkOrder(ctx, id, patch)
	if err != nil {
		a.log.Error("transitioning step to working", "workOrderId", id, "error", err.Error())
		a.releaseQuietly(ctx, id)
		return
	}

	a.setCurrent(id)
	defer a.setCurrent("")

	outcome, err := a.executor.Execute(ctx, wo, stepName)
	a.executed.Add(1)
	if err != nil {
		a.log.Error("executing step", "workOrderId", id, "step", string(stepName), "error", err.Error())
	}

	if outcome.Parked {
		// A parked continuous send keeps its lock until woken.
		return
	}
	// Unlock even when a shutdown signal cancelled the run.
	a.releaseQuietly(context.WithoutCancel(ctx), id)
}

// failStep records a start failure on the step without running it.
func (a *Agent) failStep(ctx context.Context, wo *workorder.WorkOrder, stepName workorder.StepName, message string) {
	step := wo.StepByName(stepName)
	if step == nil {
		return
	}
	now := time.Now().UTC()
	step.Status = workorder.StatusError
	step.Message = message
	step.EndTime = &now
	if _, err := a.store.UpdateWorkOrder(ctx, wo.ID, map[string]interface{}{"steps": wo.Steps}); err != nil {
		a.log.Error("recording step failure", "workOrderId", wo.ID, "error", err.Error())
	}
	a.log.Log(logger.Steps, "step failed to start",
		"workOrderId", wo.ID, "step", string(stepName), "message", message)
}

func (a *Agent) releaseQuietly(ctx context.Context, id string) {
	if err := a.locks.Release(ctx, id); err != nil {
		a.log.Error("releasing work order", "workOrderId", id, "error", err.Error())
	}
}

func (a *Agent) deleteMessage(ctx context.Context, msg *store.Message) {
	if msg.ReceiptHandle == "" {
		return
	}
	if err := a.store.DeleteCommand(ctx, msg.ReceiptHandle); err != nil {
		a.log.Error("deleting command message", "workOrderId", msg.WorkOrderID, "error", err.Error())
	}
}

func (a *Agent) sendInterval(wo *workorder.WorkOrder) time.Duration {
	if wo.SendInterval > 0 {
		return time.Duration(wo.SendInterval) * time.Second
	}
	return time.Duration(a.cfg.EmailContinuousSleepSecs) * time.Second
}

func (a *Agent) setCurrent(id string) {
	a.mu.Lock()
	a.current = id
	a.mu.Unlock()
}

// Stats is the ops-endpoint snapshot.
type Stats struct {
	Owner            string    `json:"owner"`
	StartedAt        time.Time `json:"startedAt"`
	CommandsHandled  int64     `json:"commandsHandled"`
	StepsExecuted    int64     `json:"stepsExecuted"`
	CurrentWorkOrder string    `json:"currentWorkOrder,omitempty"`
	Sleeping         int       `json:"sleeping"`
}

// Stats reports loop counters for the ops endpoint.
func (a *Agent) Stats() Stats {
	a.mu.Lock()
	current := a.current
	a.mu.Unlock()
	return Stats{
		Owner:            a.locks.Owner(),
		StartedAt:        a.startedAt,
		CommandsHandled:  a.commands.Load(),
		StepsExecuted:    a.executed.Load(),
		CurrentWorkOrder: current,
		Sleeping:         a.sleepers.Len(),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
