package snowflake

import (
	"fmt"
	"strconv"
	"time"
)

// Bit layout of an ID: 41 bits of milliseconds since Epoch, 10 bits of node
// and 12 bits of sequence. The sign bit is always zero.
const (
	nodeBits     = 10
	sequenceBits = 12

	nodeShift = sequenceBits
	timeShift = sequenceBits + nodeBits

	MaxNode      = 1<<nodeBits - 1
	sequenceMask = 1<<sequenceBits - 1
)

// Epoch is 2020-01-01T00:00:00Z in Unix milliseconds. Changing it breaks
// ordering against every ID issued before the change.
const Epoch int64 = 1577836800000

// ID is a time-sortable 63-bit identifier.
type ID int64

// Time returns the millisecond the ID was generated in.
func (id ID) Time() time.Time {
	return time.UnixMilli(int64(id)>>timeShift + Epoch)
}

// Node returns the node the ID was generated on.
func (id ID) Node() int64 {
	return int64(id) >> nodeShift & MaxNode
}

// Sequence returns the per-millisecond counter value.
func (id ID) Sequence() int64 {
	return int64(id) & sequenceMask
}

func (id ID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// ParseID parses the decimal form produced by String.
func ParseID(s string) (ID, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse id %q: %w", s, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("parse id %q: negative", s)
	}
	return ID(v), nil
}

// Instant recovers the generation time of id.
func Instant(id ID) time.Time {
	return id.Time()
}

// Bounds returns the ID range covering the half-open interval [from, to):
// every ID generated at or after from is >= lower, and every ID generated
// before to is < upper.
func Bounds(from, to time.Time) (lower, upper ID) {
	return boundary(from), boundary(to)
}

func boundary(t time.Time) ID {
	ms := t.UnixMilli() - Epoch
	if ms < 0 {
		ms = 0
	}
	return ID(ms << timeShift)
}
