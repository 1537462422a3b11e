package build

import (
	"errors"
	"fmt"
	"time"
)

// State is the progress of the staging directory through the pipeline.
type State string

const (
	// StateUnbuilt means no staging directory has been produced yet.
	StateUnbuilt State = "UNBUILT"
	// StateStaged means the directory layout and static assets are in place.
	StateStaged State = "STAGED"
	// StateFrozen means the self-contained executable is in usr/bin.
	StateFrozen State = "FROZEN"
	// StateLaunchable means AppRun has been written.
	StateLaunchable State = "LAUNCHABLE"
	// StateImaged means the image file has been produced.
	StateImaged State = "IMAGED"
	// StateFailed is terminal and reachable from every other state.
	StateFailed State = "FAILED"
)

// ErrInvalidTransition is returned for a transition the pipeline never performs.
var ErrInvalidTransition = errors.New("invalid build state transition")

var transitions = map[State]State{
	StateUnbuilt:    StateStaged,
	StateStaged:     StateFrozen,
	StateFrozen:     StateLaunchable,
	StateLaunchable: StateImaged,
}

// Terminal reports whether no further transition is possible from s.
// LAUNCHABLE is a valid end state too but can still move to IMAGED.
func (s State) Terminal() bool {
	return s == StateImaged || s == StateFailed
}

// Successful reports whether a run may end in s.
func (s State) Successful() bool {
	return s == StateLaunchable || s == StateImaged
}

// Transition is one recorded state change.
type Transition struct {
	// From is the state before the change.
	From State
	// To is the state after the change.
	To State
	// Timestamp is when the change happened.
	Timestamp time.Time
}

// Build tracks the state of one packaging run.
type Build struct {
	// Version is the resolved version being packaged.
	Version string
	// State is the current state.
	State State
	// History lists every transition in order.
	History []Transition
	// Err is the failure that moved the build to FAILED.
	Err error
	// Artifacts are the file names produced in the output directory.
	Artifacts []string
	// BuiltBy is who ran the build, when known.
	BuiltBy *Actor

	now func() time.Time
}

// New returns a build in the UNBUILT state.
func New(version string) *Build {
	return &Build{
		Version: version,
		State:   StateUnbuilt,
		now:     time.Now,
	}
}

// Advance moves the build to the next state.
func (b *Build) Advance(to State) error {
	if next, ok := transitions[b.State]; !ok || next != to {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, b.State, to)
	}

	b.record(to)

	return nil
}

// Fail moves the build to FAILED and remembers the cause.
func (b *Build) Fail(cause error) error {
	if b.State == StateFailed {
		return fmt.Errorf("%w: build already failed", ErrInvalidTransition)
	}

	b.Err = cause
	b.record(StateFailed)

	return nil
}

// AddArtifact records a produced file name.
func (b *Build) AddArtifact(name string) {
	b.Artifacts = append(b.Artifacts, name)
}

// Elapsed returns the time between the first and last transition.
func (b *Build) Elapsed() time.Duration {
	if len(b.History) == 0 {
		return 0
	}

	return b.History[len(b.History)-1].Timestamp.Sub(b.History[0].Timestamp)
}

// Clone returns a copy of the build to avoid leaking internal references.
func (b *Build) Clone() *Build {
	if b == nil {
		return nil
	}

	cloned := *b
	cloned.History = append([]Transition(nil), b.History...)
	cloned.Artifacts = append([]string(nil), b.Artifacts...)
	cloned.BuiltBy = b.BuiltBy.Clone()

	return &cloned
}

func (b *Build) record(to State) {
	now := time.Now
	if b.now != nil {
		now = b.now
	}

	b.History = append(b.History, Transition{
		From:      b.State,
		To:        to,
		Timestamp: now().UTC(),
	})
	b.State = to
}
