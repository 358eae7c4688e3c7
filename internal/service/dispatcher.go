package service

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/google/uuid"
)

type TaskKind string

const (
	TaskRevalidate     TaskKind = "revalidate"
	TaskCancelPipeline TaskKind = "cancel_pipeline"
)

type Task struct {
	ID         string
	Kind       TaskKind
	EntrantID  int64
	ProjectID  int64
	PipelineID int64
}

func (t Task) key() string {
	return fmt.Sprintf("%s:%d:%d", t.Kind, t.EntrantID, t.PipelineID)
}

type TaskHandler func(ctx context.Context, t Task) error

// Dispatcher accepts fire-and-forget tasks.
type Dispatcher interface {
	Dispatch(t Task) error
	// IsBusy reports whether a task of kind for the entrant is queued or running.
	IsBusy(kind TaskKind, entrantID int64) bool
}

func NewTaskQueue(size, workers int64) *TaskQueue {
	return &TaskQueue{
		queue:   make(chan Task, size),
		done:    make(chan struct{}),
		workers: max(1, workers),
		queued:  make(map[string]struct{}),
		running: make(map[string]int),
	}
}

// TaskQueue runs dispatched tasks on a fixed set of workers. Dispatch never
// blocks: a full queue is reported to the caller.
type TaskQueue struct {
	queue   chan Task
	done    chan struct{}
	workers int64
	wg      sync.WaitGroup

	mu      sync.Mutex
	queued  map[string]struct{}
	running map[string]int
	stopped bool
}

func (tq *TaskQueue) Dispatch(t Task) error {
	tq.mu.Lock()
	defer tq.mu.Unlock()
	if tq.stopped {
		return ErrDispatcherStopped
	}
	if _, ok := tq.queued[t.key()]; ok {
		return nil
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	select {
	case tq.queue <- t:
		tq.queued[t.key()] = struct{}{}
		return nil
	default:
		return NewErrTaskQueueFull()
	}
}

func (tq *TaskQueue) IsBusy(kind TaskKind, entrantID int64) bool {
	tq.mu.Lock()
	defer tq.mu.Unlock()
	prefix := fmt.Sprintf("%s:%d:", kind, entrantID)
	for k := range tq.queued {
		if strings.HasPrefix(k, prefix) {
			return true
		}
	}
	for k := range tq.running {
		if strings.HasPrefix(k, prefix) {
			return true
		}
	}
	return false
}

// Start runs handler for every task until Shutdown is called.
func (tq *TaskQueue) Start(handler TaskHandler) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-tq.done
		cancel()
	}()
	for range tq.workers {
		tq.wg.Go(func() {
			tq.work(ctx, handler)
		})
	}
}

func (tq *TaskQueue) work(ctx context.Context, handler TaskHandler) {
	for {
		select {
		case t := <-tq.queue:
			tq.begin(t)
			if err := handler(ctx, t); err != nil {
				log.Printf("err running %s task %s for entrant %d: %+v\n", t.Kind, t.ID, t.EntrantID, err)
			}
			tq.end(t)
		case <-tq.done:
			return
		}
	}
}

func (tq *TaskQueue) begin(t Task) {
	tq.mu.Lock()
	defer tq.mu.Unlock()
	delete(tq.queued, t.key())
	tq.running[t.key()]++
}

func (tq *TaskQueue) end(t Task) {
	tq.mu.Lock()
	defer tq.mu.Unlock()
	tq.running[t.key()]--
	if tq.running[t.key()] <= 0 {
		delete(tq.running, t.key())
	}
}

func (tq *TaskQueue) Shutdown() {
	tq.mu.Lock()
	if !tq.stopped {
		tq.stopped = true
		close(tq.done)
	}
	tq.mu.Unlock()
	tq.wg.Wait()
}
