package migration

import "sync"

// DefaultBaseVersion is the version assigned to the first step of a
// sequence unless overridden.
const DefaultBaseVersion = 1

// Sequence owns the ordered list of migration steps for one store
// definition and the running next-version counter. It is mutated only by
// appending steps and is never rolled back.
type Sequence struct {
	mu          sync.Mutex
	steps       []*Step
	nextVersion uint64
	recorder    IndexRecorder
}

// SequenceOption configures a Sequence.
type SequenceOption func(*Sequence)

// WithBaseVersion sets the version stamped onto the first appended step.
func WithBaseVersion(version uint64) SequenceOption {
	return func(s *Sequence) {
		s.nextVersion = version
	}
}

// WithIndexRecorder wires the registry which learns the index set of every
// table a step declares.
func WithIndexRecorder(recorder IndexRecorder) SequenceOption {
	return func(s *Sequence) {
		s.recorder = recorder
	}
}

// NewSequence constructs and configures a Sequence.
func NewSequence(opts ...SequenceOption) *Sequence {
	s := &Sequence{
		nextVersion: DefaultBaseVersion,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Next appends a fresh step stamped with the next version and returns it.
// The version is fixed for the lifetime of the step.
func (s *Sequence) Next() *Step {
	s.mu.Lock()
	defer s.mu.Unlock()

	step := &Step{
		version:  s.nextVersion,
		recorder: s.recorder,
	}
	s.nextVersion++
	s.steps = append(s.steps, step)

	return step
}

// Steps returns the appended steps in ascending version order.
func (s *Sequence) Steps() []*Step {
	s.mu.Lock()
	defer s.mu.Unlock()

	steps := make([]*Step, len(s.steps))
	copy(steps, s.steps)
	return steps
}

// Latest returns the version of the last appended step, or zero when the
// sequence is empty. Stores are opened at this version.
func (s *Sequence) Latest() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.steps) == 0 {
		return 0
	}
	return s.steps[len(s.steps)-1].version
}
