package models

import (
	"time"
)

type ProjectID string

func (p ProjectID) String() string {
	return string(p)
}

type UnitID string

func (u UnitID) String() string {
	return string(u)
}

type UnitState int8

const (
	UnitStateUnknown UnitState = iota
	UnitProvisioning
	UnitReady
	UnitAllocated
	UnitDraining
	UnitDestroyed
)

func (s UnitState) String() string {
	switch s {
	case UnitProvisioning:
		return "provisioning"
	case UnitReady:
		return "ready"
	case UnitAllocated:
		return "allocated"
	case UnitDraining:
		return "draining"
	case UnitDestroyed:
		return "destroyed"
	}
	return "unknown"
}

// ComputeUnit is a single container/microVM handled by the pool.
// Endpoint never changes for a living unit: if the backend rotates
// addresses a brand new unit is created instead.
type ComputeUnit struct {
	ID         UnitID
	State      UnitState
	Endpoint   string
	CreatedAt  time.Time
	LastUsedAt time.Time
	// empty while the unit sits in the warm pool
	AssignedProject ProjectID
	// how many projects used this unit since creation
	LeaseCount uint32
}

func (u ComputeUnit) Age(now time.Time) time.Duration {
	return now.Sub(u.CreatedAt)
}
