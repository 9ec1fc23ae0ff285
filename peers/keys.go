package peers

import (
	"math/rand/v2"
	"strconv"
)

// Key is the random nonce an endpoint contributes to a bonding attempt.
// Zero is reserved on the wire for "allocate a new connection".
type Key uint32

// ConnID identifies a multipath connection. Both endpoints derive it from
// their two keys, so it is the same on both sides no matter who dialed.
type ConnID uint64

func (c ConnID) String() string {
	return strconv.FormatUint(uint64(c), 10)
}

// DeriveConnID combines two keys into a connection id. The smaller key
// always goes into the upper half which makes the function symmetric.
func DeriveConnID(a, b Key) ConnID {
	lo, hi := a, b
	if lo > hi {
		lo, hi = hi, lo
	}
	return ConnID(uint64(lo)<<32 | uint64(hi))
}

// KeySource produces raw 32 bit values for key generation
type KeySource interface {
	Uint32() uint32
}

type randSource struct{}

func (randSource) Uint32() uint32 {
	return rand.Uint32()
}

// DefaultKeySource draws from the process wide random generator
var DefaultKeySource KeySource = randSource{}

// NewKey draws values from src until a non-zero one shows up. taken may be
// nil, otherwise keys for which it returns true are skipped as well.
func NewKey(src KeySource, taken func(Key) bool) Key {
	if src == nil {
		src = DefaultKeySource
	}
	for {
		k := Key(src.Uint32())
		if k == 0 {
			continue
		}
		if taken != nil && taken(k) {
			continue
		}
		return k
	}
}

// SequenceKeys is a KeySource returning the given values in order and
// wrapping around at the end. Useful to get reproducible connection ids.
type SequenceKeys struct {
	Values []uint32
	next   int
}

func (s *SequenceKeys) Uint32() uint32 {
	if len(s.Values) == 0 {
		return 0
	}
	v := s.Values[s.next%len(s.Values)]
	s.next++
	return v
}
