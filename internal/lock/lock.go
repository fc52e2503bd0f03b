// Package lock implements the work-order ownership protocol on top of
// the store's conditional-write primitives. Exactly one agent process
// may execute steps for a work order at a time; a parked continuous
// send keeps its lock across sleep so no other process picks it up.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/slsupport/email-agent/internal/pkg/logger"
	"github.com/slsupport/email-agent/internal/store"
	"github.com/slsupport/email-agent/internal/workorder"
)

// Store is the storage surface the lock protocol needs.
type Store interface {
	TryLockWorkOrder(ctx context.Context, id, owner string) (*workorder.WorkOrder, error)
	UnlockWorkOrder(ctx context.Context, id string) error
	ScanLocked(ctx context.Context) ([]workorder.WorkOrder, error)
}

// Manager holds this process's lock identity.
type Manager struct {
	store Store
	owner string
	log   *logger.Logger
}

// New creates a Manager with a process-unique owner id.
func New(st Store, log *logger.Logger) *Manager {
	host, _ := os.Hostname()
	if host == "" {
		host = "agent"
	}
	return &Manager{
		store: st,
		owner: fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8]),
		log:   log,
	}
}

// Owner returns this process's lock identity.
func (m *Manager) Owner() string { return m.owner }

// Acquire claims the work order. It returns the locked work order, or
// (nil, nil) when another process holds it.
func (m *Manager) Acquire(ctx context.Context, id string) (*workorder.WorkOrder, error) {
	wo, err := m.store.TryLockWorkOrder(ctx, id, m.owner)
	if err != nil {
		if errors.Is(err, store.ErrLockHeld) {
			m.log.Log(logger.WorkOrder, "work order already locked", "id", id)
			return nil, nil
		}
		return nil, err
	}
	m.log.Log(logger.WorkOrder, "lock acquired", "id", id, "owner", m.owner)
	return wo, nil
}

// Release drops the lock unconditionally.
func (m *Manager) Release(ctx context.Context, id string) error {
	if err := m.store.UnlockWorkOrder(ctx, id); err != nil {
		return err
	}
	m.log.Log(logger.WorkOrder, "lock released", "id", id)
	return nil
}

// ReleaseStale frees locks left behind by a crashed run. The agent is
// the only step worker, so at startup any held lock is stale, except
// work orders parked in the Sleeping state: those keep their lock and
// are resumed through the sleeper revival path instead.
func (m *Manager) ReleaseStale(ctx context.Context) error {
	locked, err := m.store.ScanLocked(ctx)
	if err != nil {
		return err
	}
	for _, wo := range locked {
		if wo.State == workorder.StateSleeping {
			m.log.Log(logger.WorkOrder, "keeping lock on sleeping work order", "id", wo.ID)
			continue
		}
		if err := m.store.UnlockWorkOrder(ctx, wo.ID); err != nil {
			m.log.Error("releasing stale lock", "id", wo.ID, "error", err.Error())
			continue
		}
		m.log.Log(logger.WorkOrder, "released stale lock", "id", wo.ID, "previousOwner", wo.LockedBy)
	}
	return nil
}
