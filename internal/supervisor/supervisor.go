// Package supervisor implements the process-wide shutdown coordination
// described in spec.md §5/§6: a single atomic shutdown flag every worker
// polls, set by SIGTERM/SIGINT, plus a dedicated signal workers can use
// to interrupt an otherwise-blocking wait (e.g. the advisory flock wait
// in internal/opener, or the appender lock-set condition wait) without
// tearing anything down.
//
// Grounded on src/minimega/main.go's signal.Notify/teardown() pattern:
// the same "catch a signal in a goroutine, flip shared state" shape,
// generalized from minimega's single ctrl-c-triggers-teardown case to a
// graceful-shutdown flag plus a second, non-terminal wake signal.
package supervisor

import (
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	log "github.com/movsoftware/silk-sub011/internal/minilog"
)

// Supervisor owns the process's shutdown flag and signal handling.
type Supervisor struct {
	shutdown int32

	sigTerm chan os.Signal
	sigWake chan os.Signal

	doneOnce sync.Once
	done     chan struct{}
}

func New() *Supervisor {
	return &Supervisor{
		sigTerm: make(chan os.Signal, 1),
		sigWake: make(chan os.Signal, 1),
		done:    make(chan struct{}),
	}
}

// ShutdownFlag returns the atomic flag workers should poll in their main
// loops; non-zero means "stop at the next safe point."
func (s *Supervisor) ShutdownFlag() *int32 { return &s.shutdown }

// ShuttingDown reports whether shutdown has been requested.
func (s *Supervisor) ShuttingDown() bool {
	return atomic.LoadInt32(&s.shutdown) != 0
}

// Start installs signal handlers and begins watching for SIGTERM/SIGINT
// (flip the shutdown flag, log once) and SIGUSR2 (a no-op wake signal:
// its only job is to interrupt a blocking syscall or condition wait so
// the waiter can re-check the shutdown flag).
func (s *Supervisor) Start() {
	signal.Notify(s.sigTerm, syscall.SIGTERM, os.Interrupt)
	signal.Notify(s.sigWake, syscall.SIGUSR2)

	go func() {
		<-s.sigTerm
		log.Info("supervisor: caught shutdown signal, stopping workers")
		atomic.StoreInt32(&s.shutdown, 1)
		s.doneOnce.Do(func() { close(s.done) })
	}()

	go func() {
		for range s.sigWake {
			// Intentionally no-op: existence alone interrupts blocked
			// syscalls (EINTR) and wakes any select on this channel.
		}
	}()
}

// Wake delivers SIGUSR2 to this process, for callers that want to
// interrupt a blocking wait from within the same process (tests, or a
// worker escalating another worker's stuck wait).
func (s *Supervisor) Wake() {
	p, err := os.FindProcess(os.Getpid())
	if err != nil {
		return
	}
	p.Signal(syscall.SIGUSR2)
}

// RequestShutdown sets the shutdown flag directly, for callers (e.g. a
// fatal ingest error in one worker) that need to stop every other worker
// without waiting for an external signal.
func (s *Supervisor) RequestShutdown() {
	atomic.StoreInt32(&s.shutdown, 1)
	s.doneOnce.Do(func() { close(s.done) })
}

// Wait blocks until shutdown has been requested, by signal or by
// RequestShutdown.
func (s *Supervisor) Wait() {
	<-s.done
}

// WaitGroup tracks worker goroutines so Run (or a caller's main) can
// join them all after shutdown, mirroring the WaitGroup-per-worker
// pattern src/minimega/main.go achieves informally via "go f(); <-sig".
type WaitGroup struct {
	wg sync.WaitGroup
}

func (w *WaitGroup) Go(f func()) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		f()
	}()
}

func (w *WaitGroup) Wait() { w.wg.Wait() }
