package agent

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slsupport/email-agent/internal/config"
	"github.com/slsupport/email-agent/internal/pkg/logger"
	"github.com/slsupport/email-agent/internal/sleepqueue"
	"github.com/slsupport/email-agent/internal/steps"
	"github.com/slsupport/email-agent/internal/store"
	"github.com/slsupport/email-agent/internal/workorder"
)

type fakeStore struct {
	workOrders map[string]*workorder.WorkOrder
	sleeping   []workorder.WorkOrder
	messages   []*store.Message
	deleted    []string
	purged     bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{workOrders: map[string]*workorder.WorkOrder{}}
}

func (f *fakeStore) GetWorkOrder(_ context.Context, id string) (*workorder.WorkOrder, error) {
	return f.workOrders[id], nil
}

func (f *fakeStore) UpdateWorkOrder(_ context.Context, id string, patch map[string]interface{}) (*workorder.WorkOrder, error) {
	wo := f.workOrders[id]
	if wo == nil {
		return nil, fmt.Errorf("work order %s not found", id)
	}
	if v, ok := patch["stopRequested"].(bool); ok {
		wo.StopRequested = v
	}
	if state, ok := patch["state"]; ok {
		if state == nil {
			wo.State = ""
		} else {
			wo.State = state.(string)
		}
	}
	if until, ok := patch["sleepUntil"]; ok {
		if until == nil {
			wo.SleepUntil = nil
		} else if ts, ok := until.(time.Time); ok {
			wo.SleepUntil = &ts
		}
	}
	if v, ok := patch["locked"].(bool); ok {
		wo.Locked = v
	}
	if v, ok := patch["lockedBy"].(string); ok {
		wo.LockedBy = v
	}
	return wo, nil
}

func (f *fakeStore) ScanSleeping(_ context.Context) ([]workorder.WorkOrder, error) {
	return f.sleeping, nil
}

func (f *fakeStore) ReceiveCommand(_ context.Context) (*store.Message, error) {
	if len(f.messages) == 0 {
		return nil, nil
	}
	msg := f.messages[0]
	f.messages = f.messages[1:]
	return msg, nil
}

func (f *fakeStore) DeleteCommand(_ context.Context, receiptHandle string) error {
	f.deleted = append(f.deleted, receiptHandle)
	return nil
}

func (f *fakeStore) PurgeQueue(_ context.Context) error {
	f.purged = true
	return nil
}

type fakeLocks struct {
	store     *fakeStore
	denied    bool
	released  []string
	staleDone bool
}

func (f *fakeLocks) Owner() string { return "test-owner" }

func (f *fakeLocks) Acquire(_ context.Context, id string) (*workorder.WorkOrder, error) {
	if f.denied {
		return nil, nil
	}
	wo := f.store.workOrders[id]
	if wo == nil {
		return nil, fmt.Errorf("work order %s not found", id)
	}
	wo.Locked = true
	wo.LockedBy = f.Owner()
	return wo, nil
}

func (f *fakeLocks) Release(_ context.Context, id string) error {
	f.released = append(f.released, id)
	if wo := f.store.workOrders[id]; wo != nil {
		wo.Locked = false
		wo.LockedBy = ""
	}
	return nil
}

func (f *fakeLocks) ReleaseStale(_ context.Context) error {
	f.staleDone = true
	return nil
}

type fakeExecutor struct {
	outcome  steps.Outcome
	err      error
	executed []workorder.StepName
	lastWO   *workorder.WorkOrder
}

func (f *fakeExecutor) Execute(_ context.Context, wo *workorder.WorkOrder, stepName workorder.StepName) (steps.Outcome, error) {
	f.executed = append(f.executed, stepName)
	f.lastWO = wo
	// Mirror the real executor's completion write.
	if f.err == nil && !f.outcome.Parked {
		if step := wo.StepByName(stepName); step != nil {
			step.Status = f.outcome.Status
		}
	}
	return f.outcome, f.err
}

func agentWorkOrder(at workorder.StepName, status workorder.StepStatus) *workorder.WorkOrder {
	wo := &workorder.WorkOrder{
		ID:        "wo-1",
		EventCode: "vr20251001",
		SubEvent:  "retreat",
		Stage:     "eligible",
		Languages: map[string]bool{"EN": true},
	}
	reached := false
	for _, name := range workorder.StepNames {
		step := workorder.Step{Name: name, Status: workorder.StatusComplete}
		if name == at {
			step.Status = status
			reached = true
		} else if reached {
			step.Status = workorder.StatusReady
		}
		wo.Steps = append(wo.Steps, step)
	}
	return wo
}

func newTestAgent(fs *fakeStore, fl *fakeLocks, fe *fakeExecutor) *Agent {
	cfg := config.AgentConfig{
		PollInterval:             time.Millisecond,
		EmailContinuousSleepSecs: 1800,
		SleepQueueLimit:          8,
	}
	return New(fs, fl, fe, sleepqueue.New(cfg.SleepQueueLimit), cfg, logger.New())
}

func TestStartupPurgesAndReleases(t *testing.T) {
	fs := newFakeStore()
	fl := &fakeLocks{store: fs}
	a := newTestAgent(fs, fl, &fakeExecutor{})

	require.NoError(t, a.Startup(context.Background()))
	assert.True(t, fs.purged)
	assert.True(t, fl.staleDone)
}

func TestStartupRevivesSleepers(t *testing.T) {
	fs := newFakeStore()
	future := time.Now().Add(time.Hour)
	wo := agentWorkOrder(workorder.StepSend, workorder.StatusSleeping)
	wo.State = workorder.StateSleeping
	wo.SleepUntil = &future
	fs.workOrders[wo.ID] = wo
	fs.sleeping = []workorder.WorkOrder{*wo}

	fl := &fakeLocks{store: fs}
	a := newTestAgent(fs, fl, &fakeExecutor{})

	require.NoError(t, a.Startup(context.Background()))
	assert.Equal(t, 1, a.sleepers.Len())
	assert.True(t, fs.workOrders["wo-1"].Locked)
	assert.Equal(t, "test-owner", fs.workOrders["wo-1"].LockedBy)
}

func TestStartRunsStepAndReleasesLock(t *testing.T) {
	fs := newFakeStore()
	wo := agentWorkOrder(workorder.StepCount, workorder.StatusReady)
	fs.workOrders[wo.ID] = wo

	fl := &fakeLocks{store: fs}
	fe := &fakeExecutor{outcome: steps.Outcome{Status: workorder.StatusComplete}}
	a := newTestAgent(fs, fl, fe)

	a.handleStart(context.Background(), "wo-1", workorder.StepCount)

	require.Equal(t, []workorder.StepName{workorder.StepCount}, fe.executed)
	step := fe.lastWO.StepByName(workorder.StepCount)
	assert.NotNil(t, step.StartTime)
	assert.Equal(t, []string{"wo-1"}, fl.released)
	assert.False(t, wo.Locked)
}

func TestStartMarksStepWorkingBeforeExecute(t *testing.T) {
	fs := newFakeStore()
	wo := agentWorkOrder(workorder.StepPrepare, workorder.StatusReady)
	fs.workOrders[wo.ID] = wo

	fl := &fakeLocks{store: fs}
	var sawStatus workorder.StepStatus
	var sawActive bool
	fe := &fakeExecutor{outcome: steps.Outcome{Status: workorder.StatusComplete}}
	a := New(fs, fl, executorFunc(func(_ context.Context, w *workorder.WorkOrder, s workorder.StepName) (steps.Outcome, error) {
		step := w.StepByName(s)
		sawStatus = step.Status
		sawActive = step.IsActive
		return fe.Execute(context.Background(), w, s)
	}), sleepqueue.New(8), config.AgentConfig{}, logger.New())

	a.handleStart(context.Background(), "wo-1", workorder.StepPrepare)
	assert.Equal(t, workorder.StatusWorking, sawStatus)
	assert.True(t, sawActive)
	assert.Equal(t, "Starting", fe.lastWO.StepByName(workorder.StepPrepare).Message)
}

type executorFunc func(context.Context, *workorder.WorkOrder, workorder.StepName) (steps.Outcome, error)

func (f executorFunc) Execute(ctx context.Context, wo *workorder.WorkOrder, s workorder.StepName) (steps.Outcome, error) {
	return f(ctx, wo, s)
}

func TestStartDuplicateIsDropped(t *testing.T) {
	fs := newFakeStore()
	wo := agentWorkOrder(workorder.StepCount, workorder.StatusWorking)
	fs.workOrders[wo.ID] = wo

	fl := &fakeLocks{store: fs}
	fe := &fakeExecutor{}
	a := newTestAgent(fs, fl, fe)

	a.handleStart(context.Background(), "wo-1", workorder.StepCount)
	assert.Empty(t, fe.executed)
	assert.Equal(t, workorder.StatusWorking, wo.StepByName(workorder.StepCount).Status)
}

func TestStartRequiresPredecessorComplete(t *testing.T) {
	fs := newFakeStore()
	wo := agentWorkOrder(workorder.StepCount, workorder.StatusReady)
	fs.workOrders[wo.ID] = wo

	fl := &fakeLocks{store: fs}
	fe := &fakeExecutor{}
	a := newTestAgent(fs, fl, fe)

	a.handleStart(context.Background(), "wo-1", workorder.StepSend)
	assert.Empty(t, fe.executed)
	step := wo.StepByName(workorder.StepSend)
	assert.Equal(t, workorder.StatusError, step.Status)
	assert.Equal(t, "Previous step is not complete", step.Message)
}

func TestStartLockDenied(t *testing.T) {
	fs := newFakeStore()
	wo := agentWorkOrder(workorder.StepCount, workorder.StatusReady)
	fs.workOrders[wo.ID] = wo

	fl := &fakeLocks{store: fs, denied: true}
	fe := &fakeExecutor{}
	a := newTestAgent(fs, fl, fe)

	a.handleStart(context.Background(), "wo-1", workorder.StepCount)
	assert.Empty(t, fe.executed)
	step := wo.StepByName(workorder.StepCount)
	assert.Equal(t, workorder.StatusError, step.Status)
	assert.Equal(t, "Could not lock work order for processing", step.Message)
}

func TestStartParkedKeepsLock(t *testing.T) {
	fs := newFakeStore()
	wo := agentWorkOrder(workorder.StepSend, workorder.StatusReady)
	fs.workOrders[wo.ID] = wo

	fl := &fakeLocks{store: fs}
	fe := &fakeExecutor{outcome: steps.Outcome{
		Status: workorder.StatusSleeping, Parked: true, SleepUntil: time.Now().Add(time.Hour),
	}}
	a := newTestAgent(fs, fl, fe)

	a.handleStart(context.Background(), "wo-1", workorder.StepSend)
	require.Len(t, fe.executed, 1)
	assert.Empty(t, fl.released)
	assert.True(t, wo.Locked)
}

func TestStartClearsSleepStateOnWake(t *testing.T) {
	fs := newFakeStore()
	until := time.Now().Add(time.Hour)
	wo := agentWorkOrder(workorder.StepSend, workorder.StatusSleeping)
	wo.State = workorder.StateSleeping
	wo.SleepUntil = &until
	fs.workOrders[wo.ID] = wo

	fl := &fakeLocks{store: fs}
	fe := &fakeExecutor{outcome: steps.Outcome{Status: workorder.StatusComplete}}
	a := newTestAgent(fs, fl, fe)

	a.handleStart(context.Background(), "wo-1", workorder.StepSend)
	require.Len(t, fe.executed, 1)
	assert.Equal(t, "", wo.State)
	assert.Nil(t, wo.SleepUntil)
	assert.Equal(t, "Waking from sleep, beginning work",
		fe.lastWO.StepByName(workorder.StepSend).Message)
}

func TestStopInterruptsWorkingStep(t *testing.T) {
	fs := newFakeStore()
	wo := agentWorkOrder(workorder.StepSend, workorder.StatusWorking)
	wo.Locked = true
	fs.workOrders[wo.ID] = wo

	fl := &fakeLocks{store: fs}
	a := newTestAgent(fs, fl, &fakeExecutor{})

	a.handleStop(context.Background(), "wo-1", workorder.StepSend)
	step := wo.StepByName(workorder.StepSend)
	assert.Equal(t, workorder.StatusInterrupted, step.Status)
	assert.Equal(t, "Interrupted by stop request", step.Message)
	assert.True(t, wo.StopRequested)
	assert.Equal(t, []string{"wo-1"}, fl.released)
}

func TestStopOnIdleStepIsNoOp(t *testing.T) {
	fs := newFakeStore()
	wo := agentWorkOrder(workorder.StepSend, workorder.StatusReady)
	fs.workOrders[wo.ID] = wo

	fl := &fakeLocks{store: fs}
	a := newTestAgent(fs, fl, &fakeExecutor{})

	a.handleStop(context.Background(), "wo-1", workorder.StepSend)
	assert.Equal(t, workorder.StatusReady, wo.StepByName(workorder.StepSend).Status)
	// The stop flag is still recorded so an in-flight poll sees it.
	assert.True(t, wo.StopRequested)
	assert.Empty(t, fl.released)
}

func TestStopSleepingClearsState(t *testing.T) {
	fs := newFakeStore()
	until := time.Now().Add(time.Hour)
	wo := agentWorkOrder(workorder.StepSend, workorder.StatusSleeping)
	wo.State = workorder.StateSleeping
	wo.SleepUntil = &until
	wo.Locked = true
	fs.workOrders[wo.ID] = wo

	fl := &fakeLocks{store: fs}
	a := newTestAgent(fs, fl, &fakeExecutor{})
	a.sleepers.TryPark("wo-1", until)

	a.handleStop(context.Background(), "wo-1", workorder.StepSend)
	assert.Equal(t, workorder.StatusInterrupted, wo.StepByName(workorder.StepSend).Status)
	assert.Equal(t, "", wo.State)
	assert.Nil(t, wo.SleepUntil)
	assert.Equal(t, 0, a.sleepers.Len())
	assert.Equal(t, []string{"wo-1"}, fl.released)
}

func TestHandleCommandMalformedIsDeleted(t *testing.T) {
	fs := newFakeStore()
	fl := &fakeLocks{store: fs}
	fe := &fakeExecutor{}
	a := newTestAgent(fs, fl, fe)

	a.handleCommand(context.Background(), &store.Message{
		Command:       store.Command{Action: "launch", WorkOrderID: "wo-1", Step: "Count"},
		ReceiptHandle: "rh-1",
	})
	a.handleCommand(context.Background(), &store.Message{
		Command:       store.Command{Action: "start", WorkOrderID: "wo-1", Step: "Ship"},
		ReceiptHandle: "rh-2",
	})
	assert.Equal(t, []string{"rh-1", "rh-2"}, fs.deleted)
	assert.Empty(t, fe.executed)
}

func TestHandleCommandStartDeletesBeforeRunning(t *testing.T) {
	fs := newFakeStore()
	wo := agentWorkOrder(workorder.StepCount, workorder.StatusReady)
	fs.workOrders[wo.ID] = wo

	fl := &fakeLocks{store: fs}
	var deletedFirst bool
	fe := &fakeExecutor{outcome: steps.Outcome{Status: workorder.StatusComplete}}
	a := New(fs, fl, executorFunc(func(ctx context.Context, w *workorder.WorkOrder, s workorder.StepName) (steps.Outcome, error) {
		deletedFirst = len(fs.deleted) == 1
		return fe.Execute(ctx, w, s)
	}), sleepqueue.New(8), config.AgentConfig{}, logger.New())

	a.handleCommand(context.Background(), &store.Message{
		Command:       store.Command{Action: "start", WorkOrderID: "wo-1", Step: "Count"},
		ReceiptHandle: "rh-1",
	})
	assert.True(t, deletedFirst)
	require.Len(t, fe.executed, 1)
}

func TestSweepSleepersWakesDueWorkOrder(t *testing.T) {
	fs := newFakeStore()
	wo := agentWorkOrder(workorder.StepSend, workorder.StatusSleeping)
	wo.Locked = true
	fs.workOrders[wo.ID] = wo

	fl := &fakeLocks{store: fs}
	fe := &fakeExecutor{outcome: steps.Outcome{Status: workorder.StatusComplete}}
	a := newTestAgent(fs, fl, fe)
	a.sleepers.TryPark("wo-1", time.Now().Add(-time.Minute))

	a.sweepSleepers(context.Background())
	assert.Equal(t, []workorder.StepName{workorder.StepSend}, fe.executed)
	assert.Equal(t, 0, a.sleepers.Len())
}

func TestSweepSleepersDropsStoppedWorkOrder(t *testing.T) {
	fs := newFakeStore()
	wo := agentWorkOrder(workorder.StepSend, workorder.StatusSleeping)
	wo.StopRequested = true
	fs.workOrders[wo.ID] = wo

	fl := &fakeLocks{store: fs}
	fe := &fakeExecutor{}
	a := newTestAgent(fs, fl, fe)
	a.sleepers.TryPark("wo-1", time.Now().Add(-time.Minute))

	a.sweepSleepers(context.Background())
	assert.Empty(t, fe.executed)
	assert.Equal(t, 0, a.sleepers.Len())
}

func TestStats(t *testing.T) {
	fs := newFakeStore()
	fl := &fakeLocks{store: fs}
	a := newTestAgent(fs, fl, &fakeExecutor{})
	a.sleepers.TryPark("wo-1", time.Now().Add(time.Hour))

	stats := a.Stats()
	assert.Equal(t, "test-owner", stats.Owner)
	assert.Equal(t, 1, stats.Sleeping)
	assert.Equal(t, int64(0), stats.CommandsHandled)
}
