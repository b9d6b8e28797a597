package npu

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Device executes compiled programs. Run blocks until the program has
// finished on the device.
type Device interface {
	Name() string
	Run(ctx context.Context, p *Program) error
	Close() error
}

var ErrClosed = errors.New("npu: device closed")

type job struct {
	p    *Program
	done chan error
}

// Emulator runs programs on a dedicated goroutine standing in for the
// accelerator's command queue. Submissions are serialized.
type Emulator struct {
	jobs chan job
	quit chan struct{}
	wg   sync.WaitGroup

	mu     sync.Mutex
	closed bool
	runs   int
}

func NewEmulator() *Emulator {
	e := &Emulator{
		jobs: make(chan job),
		quit: make(chan struct{}),
	}
	e.wg.Add(1)
	go e.loop()
	return e
}

func (e *Emulator) Name() string { return "emulator" }

func (e *Emulator) loop() {
	defer e.wg.Done()
	for {
		select {
		case j := <-e.jobs:
			j.done <- execute(j.p)
		case <-e.quit:
			return
		}
	}
}

func execute(p *Program) error {
	for i := range p.nodes {
		n := &p.nodes[i]
		if err := n.Run(); err != nil {
			return fmt.Errorf("npu program %d node %s: %w", p.ID, n.Name, err)
		}
	}
	return nil
}

// Run submits p and waits for it. The context only bounds the wait for
// the queue; a program that has started always runs to completion.
func (e *Emulator) Run(ctx context.Context, p *Program) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.runs++
	e.mu.Unlock()

	j := job{p: p, done: make(chan error, 1)}
	select {
	case e.jobs <- j:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.quit:
		return ErrClosed
	}
	return <-j.done
}

// Runs reports how many programs were submitted.
func (e *Emulator) Runs() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runs
}

func (e *Emulator) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()
	close(e.quit)
	e.wg.Wait()
	return nil
}
