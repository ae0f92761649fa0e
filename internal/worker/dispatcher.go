// Package worker runs jobs on an elastic pool, rotating fairly between users
// so one user's slow streams cannot starve the others.
package worker

import (
	"container/list"
	"errors"
	"sync"
	"time"
)

var (
	ErrDispatcherBusy    = errors.New("dispatcher queue is full")
	ErrDispatcherStopped = errors.New("dispatcher is stopped")
)

type Config struct {
	MinWorkers  int
	MaxWorkers  int
	QueueSize   int
	IdleTimeout time.Duration
}

type userQueue struct {
	jobs     []Job
	enqueued bool
}

type Dispatcher struct {
	pool     *jobChannelPool
	jobQueue chan Job

	mu        sync.Mutex
	queues    map[string]*userQueue // pending jobs per user
	ready     *list.List            // round robin order of user ids
	positions map[string]*list.Element

	submitMu sync.RWMutex
	stopped  bool

	quit     chan struct{}
	runDone  chan struct{}
	stopOnce sync.Once
}

func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	d := &Dispatcher{
		pool:      newJobChannelPool(cfg.MinWorkers, cfg.MaxWorkers, cfg.IdleTimeout),
		jobQueue:  make(chan Job, cfg.QueueSize),
		queues:    make(map[string]*userQueue),
		ready:     list.New(),
		positions: make(map[string]*list.Element),
		quit:      make(chan struct{}),
		runDone:   make(chan struct{}),
	}
	for i := 0; i < d.pool.min; i++ {
		d.pool.spawnIdle()
	}
	go d.run()
	return d
}

// Submit queues job without blocking. An accepted job is either run or, if
// the dispatcher stops first, dropped through its OnDrop.
func (d *Dispatcher) Submit(job Job) error {
	d.submitMu.RLock()
	defer d.submitMu.RUnlock()
	if d.stopped {
		return ErrDispatcherStopped
	}
	select {
	case d.jobQueue <- job:
		return nil
	default:
		return ErrDispatcherBusy
	}
}

// Stop halts dispatching and retires every worker. Running jobs finish and
// jobs still waiting are dropped.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		d.submitMu.Lock()
		d.stopped = true
		d.submitMu.Unlock()

		close(d.quit)
		d.pool.stop()
		<-d.runDone
		d.dropPending()
	})
}

// dropPending discards everything submitted but not handed to a worker.
func (d *Dispatcher) dropPending() {
	d.drain()
	d.mu.Lock()
	var pending []Job
	for e := d.ready.Front(); e != nil; e = e.Next() {
		pending = append(pending, d.queues[e.Value.(string)].jobs...)
	}
	d.queues = make(map[string]*userQueue)
	d.positions = make(map[string]*list.Element)
	d.ready.Init()
	d.mu.Unlock()
	for _, job := range pending {
		job.drop()
	}
}

func (d *Dispatcher) run() {
	defer close(d.runDone)
	for {
		d.drain()
		if !d.dispatchOne() {
			select {
			case job := <-d.jobQueue:
				d.enqueueJob(job)
			case <-d.quit:
				return
			}
			continue
		}
		select {
		case <-d.quit:
			return
		default:
		}
	}
}

// drain moves every submitted job into its user queue so the rotation sees
// all waiting users.
func (d *Dispatcher) drain() {
	for {
		select {
		case job := <-d.jobQueue:
			d.enqueueJob(job)
		default:
			return
		}
	}
}

func (d *Dispatcher) enqueueJob(job Job) {
	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[job.UserID]
	if q == nil {
		q = &userQueue{}
		d.queues[job.UserID] = q
	}
	q.jobs = append(q.jobs, job)
	if q.enqueued {
		return
	}
	q.enqueued = true
	d.positions[job.UserID] = d.ready.PushBack(job.UserID)
}

// dispatchOne hands the next job of the user at the front to a worker, then
// moves that user to the back.
func (d *Dispatcher) dispatchOne() bool {
	d.mu.Lock()
	elem := d.ready.Front()
	if elem == nil {
		d.mu.Unlock()
		return false
	}
	userID := elem.Value.(string)
	q := d.queues[userID]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	if len(q.jobs) == 0 {
		q.enqueued = false
		d.ready.Remove(elem)
		delete(d.positions, userID)
		delete(d.queues, userID)
	} else {
		d.ready.MoveToBack(elem)
	}
	d.mu.Unlock()

	workerChan, workerID, ok := d.pool.acquire()
	if !ok {
		job.drop()
		return false
	}
	debugLog("[dispatcher] assign job %s for user %s to worker-%d", job.Label, userID, workerID)
	select {
	case workerChan <- job:
	case <-d.quit:
		job.drop()
		return false
	}
	return true
}
