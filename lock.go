package qflash

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// BusLock serializes access to the flash bus between the foreground user
// of a Device and a competing consumer such as a USB mass storage handler.
type BusLock interface {
	Acquire()
	Release()
}

// PriorityElevator raises the priority floor while the bus is owned, so
// nothing at or below the competing consumer's priority preempts a
// transaction. Raise returns a token that Restore puts back.
type PriorityElevator interface {
	Raise() uint32
	Restore(token uint32)
}

// NoElevation is a PriorityElevator for hosts without interrupt priorities.
type NoElevation struct{}

func (NoElevation) Raise() uint32  { return 0 }
func (NoElevation) Restore(uint32) {}

// SpinLock is an owned bit guarded by a short critical section. A contended
// Acquire leaves the critical section between checks and yields; there is no
// queue and no fairness. Contention counts contended acquisitions.
type SpinLock struct {
	irq   sync.Mutex // held where interrupts would be disabled
	owned bool
	token uint32
	elev  PriorityElevator

	blocked atomic.Uint32
}

var _ BusLock = (*SpinLock)(nil)

// NewSpinLock returns a SpinLock that raises priority through elev. A nil
// elev means NoElevation.
func NewSpinLock(elev PriorityElevator) *SpinLock {
	if elev == nil {
		elev = NoElevation{}
	}
	return &SpinLock{elev: elev}
}

func (l *SpinLock) Acquire() {
	l.irq.Lock()
	if l.owned {
		l.blocked.Add(1)
		for l.owned {
			l.irq.Unlock()
			runtime.Gosched()
			l.irq.Lock()
		}
	}
	l.token = l.elevator().Raise()
	l.owned = true
	l.irq.Unlock()
}

func (l *SpinLock) Release() {
	l.irq.Lock()
	l.owned = false
	l.elevator().Restore(l.token)
	l.irq.Unlock()
}

// Contention returns how many acquisitions found the bus owned.
func (l *SpinLock) Contention() uint32 {
	return l.blocked.Load()
}

func (l *SpinLock) elevator() PriorityElevator {
	if l.elev == nil {
		return NoElevation{}
	}
	return l.elev
}

// MutexLock is a BusLock backed by sync.Mutex.
type MutexLock struct {
	mu sync.Mutex
}

var _ BusLock = (*MutexLock)(nil)

func (l *MutexLock) Acquire() { l.mu.Lock() }
func (l *MutexLock) Release() { l.mu.Unlock() }

// contentionCounter is implemented by locks that count contention.
type contentionCounter interface {
	Contention() uint32
}
