package worker

import (
	"log"
	"runtime/debug"
)

// Job is one unit of work. Jobs of the same user are run in submission order
// relative to each other and interleaved fairly with other users.
type Job struct {
	UserID string
	Label  string
	Run    func()
	// OnDrop is called instead of Run when an accepted job is discarded
	// because the dispatcher stopped.
	OnDrop func()

	stop bool
}

func (j Job) drop() {
	debugLog("[dispatcher] drop job %s for user %s", j.Label, j.UserID)
	if j.OnDrop != nil {
		j.OnDrop()
	}
}

type Worker struct {
	id         int
	pool       *jobChannelPool
	jobChannel chan Job
}

func newWorker(id int, pool *jobChannelPool) *Worker {
	return &Worker{id: id, pool: pool, jobChannel: make(chan Job)}
}

func (w *Worker) Start() {
	go func() {
		for {
			select {
			case job := <-w.jobChannel:
				if job.stop {
					debugLog("[worker-%d] stop", w.id)
					w.pool.retire(w.jobChannel)
					return
				}
				w.run(job)
				w.pool.Release(w.jobChannel)
			case <-w.pool.done:
				w.pool.retire(w.jobChannel)
				return
			}
		}
	}()
}

func (w *Worker) run(job Job) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("worker-%d job %s for user %s panicked: %v\n%s", w.id, job.Label, job.UserID, r, debug.Stack())
		}
	}()
	if job.Run != nil {
		job.Run()
	}
}
