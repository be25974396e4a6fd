package tree

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// OpTimestamp is the total-ordered primary key of an operation:
// zero-padded unix milliseconds, a zero-padded per-client sequence, and the
// originating client id, joined by ':'. Lexicographic order over the string
// equals order over (instant, sequence, client).
type OpTimestamp string

// String returns the raw timestamp value.
func (ts OpTimestamp) String() string {
	return string(ts)
}

// NewOpTimestamp validates raw input and returns an OpTimestamp.
func NewOpTimestamp(rawInput string) (OpTimestamp, error) {
	parts := strings.SplitN(rawInput, ":", 3)
	if len(parts) != 3 {
		return "", fmt.Errorf("%w: %q", ErrInvalidTimestamp, rawInput)
	}
	if _, err := strconv.ParseInt(parts[0], 10, 64); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidTimestamp, rawInput)
	}
	if _, err := strconv.ParseInt(parts[1], 10, 64); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidTimestamp, rawInput)
	}
	if strings.TrimSpace(parts[2]) == "" {
		return "", fmt.Errorf("%w: missing client id", ErrInvalidTimestamp)
	}
	return OpTimestamp(rawInput), nil
}

// SyncTimestamp is the relay-assigned cursor value: a ULID string whose
// lexicographic order is mint order.
type SyncTimestamp string

// String returns the raw sync timestamp value.
func (ts SyncTimestamp) String() string {
	return string(ts)
}

// Clock issues monotonic operation timestamps for a single client. A
// wall-clock regression reuses the last observed millisecond so issued
// timestamps never go backwards.
type Clock struct {
	mu         sync.Mutex
	clientID   ClientID
	now        func() time.Time
	lastMillis int64
	lastSeq    int64
}

// NewClock constructs a Clock for the given client. A nil now falls back to
// time.Now.
func NewClock(clientID ClientID, now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{clientID: clientID, now: now}
}

// Next returns a fresh timestamp strictly greater than every timestamp this
// clock has issued.
func (c *Clock) Next() OpTimestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextLocked()
}

// After returns a fresh timestamp strictly greater than floor as well as
// every timestamp this clock has issued. The relay uses it to stamp
// corrective operations after the move that triggered them.
func (c *Clock) After(floor OpTimestamp) OpTimestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	if floorMillis, floorSeq, ok := splitOpTimestamp(string(floor)); ok {
		if floorMillis > c.lastMillis || (floorMillis == c.lastMillis && floorSeq > c.lastSeq) {
			c.lastMillis = floorMillis
			c.lastSeq = floorSeq
		}
	}
	ts := c.nextLocked()
	for string(ts) <= string(floor) {
		c.lastSeq++
		ts = formatOpTimestamp(c.lastMillis, c.lastSeq, c.clientID)
	}
	return ts
}

func (c *Clock) nextLocked() OpTimestamp {
	millis := c.now().UTC().UnixMilli()
	if millis < c.lastMillis {
		millis = c.lastMillis
	}
	if millis == c.lastMillis {
		c.lastSeq++
	} else {
		c.lastMillis = millis
		c.lastSeq = 0
	}
	return formatOpTimestamp(c.lastMillis, c.lastSeq, c.clientID)
}

func formatOpTimestamp(millis, seq int64, clientID ClientID) OpTimestamp {
	return OpTimestamp(fmt.Sprintf("%013d:%06d:%s", millis, seq, clientID))
}

func splitOpTimestamp(value string) (millis, seq int64, ok bool) {
	parts := strings.SplitN(value, ":", 3)
	if len(parts) != 3 {
		return 0, 0, false
	}
	millis, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	seq, err = strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return millis, seq, true
}

// SyncStamper mints relay sync timestamps. ULIDs encode the wall clock and
// the monotonic reader keeps mint order even within one millisecond.
type SyncStamper struct {
	mu         sync.Mutex
	now        func() time.Time
	entropy    *ulid.MonotonicEntropy
	lastMillis uint64
}

// NewSyncStamper constructs a SyncStamper. A nil now falls back to time.Now.
func NewSyncStamper(now func() time.Time) *SyncStamper {
	if now == nil {
		now = time.Now
	}
	seed := rand.New(rand.NewSource(now().UnixNano()))
	return &SyncStamper{
		now:     now,
		entropy: ulid.Monotonic(seed, 0),
	}
}

// Next returns a fresh sync timestamp strictly greater than every value this
// stamper has issued.
func (s *SyncStamper) Next() SyncTimestamp {
	s.mu.Lock()
	defer s.mu.Unlock()

	millis := ulid.Timestamp(s.now().UTC())
	if millis < s.lastMillis {
		millis = s.lastMillis
	}
	s.lastMillis = millis
	id, err := ulid.New(millis, s.entropy)
	if err != nil {
		// Monotonic entropy overflow within one millisecond; advance the
		// millisecond and retry once.
		s.lastMillis++
		id = ulid.MustNew(s.lastMillis, s.entropy)
	}
	return SyncTimestamp(id.String())
}
