package worker

import "sync"

// TaskStop shuts a worker down when sent through its queue.
type TaskStop struct{}

// Task is any unit of work a handler understands.
type Task interface{}

// TaskHandler consumes tasks one at a time.
type TaskHandler interface {
	Handle(t Task)
}

// Starter is implemented by handlers that need setup on the worker
// goroutine before the first task.
type Starter interface {
	Start()
}

// Worker owns a serial FIFO queue. Tasks sent to one worker run in order;
// distinct workers run concurrently.
type Worker struct {
	name     string
	sender   chan<- Task
	receiver <-chan Task
	wg       *sync.WaitGroup
}

const defaultWorkerCapacity = 128

func NewWorker(name string, wg *sync.WaitGroup) *Worker {
	ch := make(chan Task, defaultWorkerCapacity)
	return &Worker{
		sender:   (chan<- Task)(ch),
		receiver: (<-chan Task)(ch),
		name:     name,
		wg:       wg,
	}
}

func (w *Worker) Start(handler TaskHandler) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if s, ok := handler.(Starter); ok {
			s.Start()
		}
		for {
			task := <-w.receiver
			if _, ok := task.(TaskStop); ok {
				return
			}
			handler.Handle(task)
		}
	}()
}

func (w *Worker) Sender() chan<- Task {
	return w.sender
}

func (w *Worker) Stop() {
	w.sender <- TaskStop{}
}

// Pool is a bounded set of workers with round-robin dispatch.
type Pool struct {
	workers []*Worker
	next    int
	mu      sync.Mutex
}

func NewPool(name string, n int, wg *sync.WaitGroup, newHandler func(i int) TaskHandler) *Pool {
	p := &Pool{}
	for i := 0; i < n; i++ {
		w := NewWorker(name, wg)
		w.Start(newHandler(i))
		p.workers = append(p.workers, w)
	}
	return p
}

func (p *Pool) Dispatch(t Task) {
	p.mu.Lock()
	w := p.workers[p.next]
	p.next = (p.next + 1) % len(p.workers)
	p.mu.Unlock()
	w.Sender() <- t
}

func (p *Pool) Stop() {
	for _, w := range p.workers {
		w.Stop()
	}
}
