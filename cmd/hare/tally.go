package main

import (
	"sync/atomic"

	"github.com/glimte/hare-go/internal/metrics"
)

// tally counts publish outcomes and forwards everything to next
type tally struct {
	metrics.Recorder
	published atomic.Int64
	dropped   atomic.Int64
}

func newTally(next metrics.Recorder) *tally {
	if next == nil {
		next = metrics.NoOp{}
	}
	return &tally{Recorder: next}
}

func (t *tally) RecordPublish(exchange string, success bool) {
	if success {
		t.published.Add(1)
	}
	t.Recorder.RecordPublish(exchange, success)
}

func (t *tally) RecordDropped(count int) {
	t.dropped.Add(int64(count))
	t.Recorder.RecordDropped(count)
}
