// Package poller implements an edge-triggered, one-shot I/O readiness
// dispatcher over golang.org/x/sys/unix.Poll rather than a persistent
// epoll instance.
package poller

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Interest is the set of readiness flags a Handle watches for.
type Interest uint8

const (
	Input Interest = 1 << iota
	Output
	Except
)

// tickInterval bounds how long a single unix.Poll call blocks before
// Wait rechecks abortFlag.
const tickInterval = 100 * time.Millisecond

// ErrTimeout is returned by Wait when no handle became ready before the
// deadline. Callers treat it as a "nothing ready" signal, not an
// operation failure.
var ErrTimeout = errors.New("poller: operation timed out")

type handle struct {
	fd       int
	interest Interest
	armed    bool
	observed Interest
}

// Poller multiplexes readiness over a dynamic set of file descriptors.
// All methods are safe for concurrent use; Wait is meant to be called
// from a single acceptor/dispatch goroutine.
type Poller struct {
	mu      sync.Mutex
	watched map[int]*handle
	hits    []int
	hitSet  map[int]bool

	abortFlag int32
	lastErr   error
}

// Open acquires the poller (a no-op for the unix.Poll-based facility;
// the underlying syscall needs no persistent handle, unlike epoll).
func Open() (*Poller, error) {
	return &Poller{
		watched: make(map[int]*handle),
		hitSet:  make(map[int]bool),
	}, nil
}

// Close releases the poller's state.
func (p *Poller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.watched = make(map[int]*handle)
	p.hits = nil
	p.hitSet = make(map[int]bool)
	return nil
}

// Deposit adds fd to the watch set in one-shot mode with the given
// interest. Fails if fd is already deposited.
func (p *Poller) Deposit(fd int, interest Interest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.watched[fd]; ok {
		return fmt.Errorf("poller: fd %d already deposited", fd)
	}
	p.watched[fd] = &handle{fd: fd, interest: interest, armed: true}
	return nil
}

// Withdraw removes fd from the watch set; any pending hit is
// discarded, maintaining hits ⊆ watched.
func (p *Poller) Withdraw(fd int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.watched[fd]; !ok {
		return fmt.Errorf("poller: fd %d not deposited", fd)
	}
	delete(p.watched, fd)
	if p.hitSet[fd] {
		delete(p.hitSet, fd)
		p.removeHit(fd)
	}
	return nil
}

func (p *Poller) removeHit(fd int) {
	for i, h := range p.hits {
		if h == fd {
			p.hits = append(p.hits[:i], p.hits[i+1:]...)
			return
		}
	}
}

// Undo re-arms fd for one more notification using its current interest
// flags; required because each hit auto-disarms (one-shot).
func (p *Poller) Undo(fd int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.watched[fd]
	if !ok {
		return fmt.Errorf("poller: fd %d not deposited", fd)
	}
	h.armed = true
	return nil
}

// Next pops one ready handle (fd, observed interest) from the hit set.
func (p *Poller) Next() (fd int, observed Interest, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.hits) == 0 {
		return 0, 0, errors.New("poller: no ready handles")
	}
	fd = p.hits[0]
	p.hits = p.hits[1:]
	delete(p.hitSet, fd)
	h := p.watched[fd]
	if h == nil {
		return fd, 0, nil
	}
	return fd, h.observed, nil
}

// Count returns the number of watched handles.
func (p *Poller) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.watched)
}

// Flush marks every watched handle ready with empty flags, used to
// drain the poller during graceful shutdown.
func (p *Poller) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for fd, h := range p.watched {
		h.observed = 0
		if !p.hitSet[fd] {
			p.hitSet[fd] = true
			p.hits = append(p.hits, fd)
		}
	}
}

// Abort cooperatively cancels a concurrently-running Wait; it returns
// ErrTimeout at its next internal tick.
func (p *Poller) Abort() {
	atomic.StoreInt32(&p.abortFlag, 1)
}

// Wait blocks until at least one watched handle is ready or
// timeoutSeconds elapses (0 means wait forever, subject to Abort).
// Ready handles are moved into the hit set for Next to consume.
func (p *Poller) Wait(timeoutSeconds float64) error {
	deadline := time.Time{}
	if timeoutSeconds > 0 {
		deadline = time.Now().Add(time.Duration(timeoutSeconds * float64(time.Second)))
	}

	for {
		if atomic.LoadInt32(&p.abortFlag) != 0 {
			atomic.StoreInt32(&p.abortFlag, 0)
			return ErrTimeout
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return ErrTimeout
		}

		pollFds, fds := p.buildPollSet()
		if len(pollFds) == 0 {
			// nothing armed to watch; still honor abort/deadline ticking
			time.Sleep(tickInterval)
			continue
		}

		tick := tickInterval
		if !deadline.IsZero() {
			if remaining := time.Until(deadline); remaining < tick {
				tick = remaining
			}
		}

		n, err := unix.Poll(pollFds, int(tick.Milliseconds()))
		if err != nil {
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			p.mu.Lock()
			p.lastErr = err
			p.mu.Unlock()
			return err
		}
		if n == 0 {
			continue
		}

		p.applyReady(pollFds, fds)
		return nil
	}
}

func (p *Poller) buildPollSet() ([]unix.PollFd, []int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pollFds := make([]unix.PollFd, 0, len(p.watched))
	fds := make([]int, 0, len(p.watched))
	for fd, h := range p.watched {
		if !h.armed {
			continue
		}
		pollFds = append(pollFds, unix.PollFd{Fd: int32(fd), Events: eventsFor(h.interest)})
		fds = append(fds, fd)
	}
	return pollFds, fds
}

func eventsFor(i Interest) int16 {
	var ev int16
	if i&Input != 0 {
		ev |= unix.POLLIN
	}
	if i&Output != 0 {
		ev |= unix.POLLOUT
	}
	if i&Except != 0 {
		ev |= unix.POLLPRI
	}
	return ev
}

func observedFor(revents int16) Interest {
	var o Interest
	if revents&unix.POLLIN != 0 {
		o |= Input
	}
	if revents&unix.POLLOUT != 0 {
		o |= Output
	}
	if revents&unix.POLLPRI != 0 {
		o |= Except
	}
	return o
}

func (p *Poller) applyReady(pollFds []unix.PollFd, fds []int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, pfd := range pollFds {
		if pfd.Revents == 0 {
			continue
		}
		fd := fds[i]
		h, ok := p.watched[fd]
		if !ok {
			continue
		}
		h.armed = false // one-shot: disarm until Undo
		h.observed = observedFor(pfd.Revents)
		if !p.hitSet[fd] {
			p.hitSet[fd] = true
			p.hits = append(p.hits, fd)
		}
	}
}

// LastError returns the last readiness-facility error observed by
// Wait.
func (p *Poller) LastError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}
