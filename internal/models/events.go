package models

import (
	"time"
)

type UnitEventType int8

const (
	UnitEventUnknown UnitEventType = iota
	UnitEventProvisioned
	UnitEventAllocated
	UnitEventReleased
	UnitEventEvicted
	UnitEventRecycled
	UnitEventDestroyed
)

func (t UnitEventType) String() string {
	switch t {
	case UnitEventProvisioned:
		return "provisioned"
	case UnitEventAllocated:
		return "allocated"
	case UnitEventReleased:
		return "released"
	case UnitEventEvicted:
		return "evicted"
	case UnitEventRecycled:
		return "recycled"
	case UnitEventDestroyed:
		return "destroyed"
	}
	return "unknown"
}

func (t UnitEventType) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.String() + `"`), nil
}

// UnitEvent is a lifecycle audit record published to the events topic.
type UnitEvent struct {
	Type      UnitEventType `json:"type"`
	UnitID    UnitID        `json:"unit_id"`
	ProjectID ProjectID     `json:"project_id,omitempty"`
	Endpoint  string        `json:"endpoint,omitempty"`
	At        time.Time     `json:"at"`
	Detail    string        `json:"detail,omitempty"`
}
