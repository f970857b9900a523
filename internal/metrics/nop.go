package metrics

import "time"

type Nop struct{}

func NewNop() Metrics {
	return Nop{}
}

func (Nop) Increment(string) {}

func (Nop) Duration(string, time.Duration) {}

func (Nop) Gauge(string, int) {}
