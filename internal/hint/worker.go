package hint

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// workerQueueSize bounds the number of pending hint-file jobs. The queue
// is best-effort: a full queue drops the job and logs, since recovery
// always falls back to a data-file scan when a hint file is missing.
const workerQueueSize = 256

// Job describes one data file that just became read-only and needs a
// hint file written for it.
type Job struct {
	FileID uint32
	Write  func() error
}

// Worker is the single background goroutine that generates hint files so
// the write path never blocks on it.
type Worker struct {
	jobs chan Job
	wg   sync.WaitGroup
}

// StartWorker launches the background worker and returns a handle to it.
func StartWorker() *Worker {
	w := &Worker{jobs: make(chan Job, workerQueueSize)}
	w.wg.Add(1)
	go w.run()
	return w
}

func (w *Worker) run() {
	defer w.wg.Done()
	for job := range w.jobs {
		if err := job.Write(); err != nil {
			logrus.WithFields(logrus.Fields{"file_id": job.FileID, "error": err}).
				Warn("background hint file generation failed, recovery will fall back to data file scan")
		}
	}
}

// Enqueue submits a hint-file job without blocking. If the queue is full
// the job is dropped and logged; this never affects correctness, only
// startup recovery speed.
func (w *Worker) Enqueue(job Job) {
	select {
	case w.jobs <- job:
	default:
		logrus.WithField("file_id", job.FileID).
			Warn("hint writer queue full, dropping hint file generation job")
	}
}

// Len reports the number of hint jobs not yet processed.
func (w *Worker) Len() int {
	return len(w.jobs)
}

// Stop closes the queue and waits for the worker goroutine to exit. The
// worker runs every job still queued at the time of the close before it
// exits.
func (w *Worker) Stop() {
	close(w.jobs)
	w.wg.Wait()
}
