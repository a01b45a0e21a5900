package vcpu

import (
	"log"
	"sync"
	"sync/atomic"
)

// Gate pauses and resumes a set of vCPUs together. A paused vCPU is
// parked on the gate's condition variable at its safe point, never in the
// middle of guest execution.
type Gate struct {
	mu     sync.Mutex
	cond   *sync.Cond
	paused bool
	vcpus  []*VCPU

	// Mirrors paused for the lock free check at every safe point.
	requested atomic.Bool
}

func NewGate() *Gate {
	g := &Gate{}
	g.cond = sync.NewCond(&g.mu)

	return g
}

func (g *Gate) add(v *VCPU) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.vcpus = append(g.vcpus, v)
}

// Pause kicks every running vCPU out of the guest and returns once each
// started vCPU that has not exited is parked. A vCPU still starting up
// parks at its first safe point.
func (g *Gate) Pause() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.paused {
		return ErrAlreadyPaused
	}

	g.paused = true
	g.requested.Store(true)

	for _, v := range g.vcpus {
		if v.State() == Running && !v.parked {
			if err := v.backend.Kick(); err != nil {
				log.Printf("vcpu %d: kick: %v", v.ID, err)
			}
		}
	}

	for !g.allParked() {
		g.cond.Wait()
	}

	return nil
}

// allParked is called with g.mu held.
func (g *Gate) allParked() bool {
	for _, v := range g.vcpus {
		if v.started.Load() && v.State() != Exited && !v.parked {
			return false
		}
	}

	return true
}

// Resume releases every parked vCPU at once.
func (g *Gate) Resume() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.paused {
		return ErrNotPaused
	}

	g.paused = false
	g.requested.Store(false)
	g.cond.Broadcast()

	return nil
}

// Paused reports whether a pause is in effect.
func (g *Gate) Paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.paused
}

// wake makes parked vCPUs and a waiting Pause re-check their conditions.
func (g *Gate) wake() {
	g.mu.Lock()
	g.cond.Broadcast()
	g.mu.Unlock()
}

// park blocks v while the gate is paused, running tasks queued for v in
// the meantime. v is counted as parked once per pause.
func (g *Gate) park(v *VCPU) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for {
		g.runTasks(v)

		if !g.paused || v.stopping.Load() {
			break
		}

		if !v.parked {
			v.parked = true
			v.state.Store(int32(Paused))
			g.cond.Broadcast()
		}

		g.cond.Wait()
	}

	if v.parked {
		v.parked = false
		v.state.Store(int32(Running))
	}
}

// runTasks runs the tasks queued for v without holding g.mu. Called with
// g.mu held.
func (g *Gate) runTasks(v *VCPU) {
	for len(v.tasks) > 0 {
		t := v.tasks[0]
		v.tasks = v.tasks[1:]

		g.mu.Unlock()
		t.done <- t.fn()
		g.mu.Lock()
	}

	v.hasTasks.Store(false)
}

// exit marks v exited and fails the tasks it will never run.
func (g *Gate) exit(v *VCPU) {
	g.mu.Lock()
	defer g.mu.Unlock()

	v.parked = false
	v.state.Store(int32(Exited))

	for _, t := range v.tasks {
		t.done <- ErrExited
	}

	v.tasks = nil
	v.hasTasks.Store(false)
	g.cond.Broadcast()
}
