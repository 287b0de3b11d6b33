package protocol

import (
	"errors"
	"fmt"
)

// ErrInvalidSeq indicates that a sequence counter is negative.
var ErrInvalidSeq = errors.New("protocol: invalid seq")

// Seq is a replication watermark: a database version plus a counter that
// orders changes sharing the same version.
type Seq struct {
	Version int64
	Counter int
}

// NewSeq validates the counter and returns a Seq.
func NewSeq(version int64, counter int) (Seq, error) {
	if counter < 0 {
		return Seq{}, fmt.Errorf("%w: negative counter %d", ErrInvalidSeq, counter)
	}
	return Seq{Version: version, Counter: counter}, nil
}

// GreaterOrEqual reports whether s is at or beyond other. Counters are only
// compared when versions are equal.
func (s Seq) GreaterOrEqual(other Seq) bool {
	if s.Version != other.Version {
		return s.Version > other.Version
	}
	return s.Counter >= other.Counter
}

// Less reports whether s is strictly before other.
func (s Seq) Less(other Seq) bool {
	return !s.GreaterOrEqual(other)
}

// String renders the seq as version:counter.
func (s Seq) String() string {
	return fmt.Sprintf("%d:%d", s.Version, s.Counter)
}
