package hint

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWorkerRunsEnqueuedJobs(t *testing.T) {
	w := StartWorker()
	var ran int32
	w.Enqueue(Job{FileID: 1, Write: func() error {
		atomic.AddInt32(&ran, 1)
		return nil
	}})
	w.Stop()
	assert.Equal(t, int32(1), atomic.LoadInt32(&ran))
}

func TestWorkerToleratesJobErrors(t *testing.T) {
	w := StartWorker()
	var ranAfterError int32
	w.Enqueue(Job{FileID: 1, Write: func() error { return assert.AnError }})
	w.Enqueue(Job{FileID: 2, Write: func() error {
		atomic.AddInt32(&ranAfterError, 1)
		return nil
	}})
	w.Stop()
	assert.Equal(t, int32(1), atomic.LoadInt32(&ranAfterError))
}

func TestWorkerEnqueueNeverBlocks(t *testing.T) {
	w := &Worker{jobs: make(chan Job)}
	done := make(chan struct{})
	go func() {
		w.Enqueue(Job{FileID: 1, Write: func() error { return nil }})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Enqueue blocked on a full/unconsumed channel")
	}
}
