// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package loop

import "sync/atomic"

// Phase is a stage of the loop's lifecycle. Phases are ordered and a loop
// only ever moves forward through them.
type Phase int32

// Possible lifecycle phases.
const (
	Starting Phase = iota
	Running
	Stopping
	Stopped
)

// String implements the [fmt.Stringer] interface.
func (p Phase) String() string {
	switch p {
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	}
	return "unknown"
}

// State tracks the loop's current lifecycle phase. The zero value is a
// state in the Starting phase, ready for use. It is safe for concurrent
// use: typically the loop advances it while a health handler reads it.
type State struct {
	phase atomic.Int32
}

// Phase returns the current phase.
func (s *State) Phase() Phase { return Phase(s.phase.Load()) }

// advance moves the state to p. Moving to the current or an earlier phase
// is a no-op, so repeated stop requests don't fight each other.
func (s *State) advance(p Phase) {
	for {
		cur := s.phase.Load()
		if int32(p) <= cur {
			return
		}
		if s.phase.CompareAndSwap(cur, int32(p)) {
			return
		}
	}
}
