package models

import (
	"time"
)

// ProjectSession is the durable project->unit binding. It survives process
// restarts; in-memory pool state is only a cache on top of it.
type ProjectSession struct {
	ProjectID ProjectID
	UnitID    UnitID
	Endpoint  string
	LastUsed  time.Time
	Metadata  map[string]string
}

func (s ProjectSession) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.LastUsed)
}
