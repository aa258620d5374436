package types

import (
	"crypto/rand"
	"sync"
	"time"
)

// ULID is a 128-bit lexicographically sortable identifier: a 48-bit millisecond
// timestamp followed by 80 random bits. New uploads use ULIDs as their record id,
// so sidecar files sort by creation time on disk.
type ULID [16]byte

// Crockford's Base32 alphabet (excludes I, L, O, U).
const crockfordBase32 = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

const ulidStringLen = 26

// ULIDGenerator generates ULIDs that are strictly increasing within one generator,
// including several generated in the same millisecond.
type ULIDGenerator struct {
	mu            sync.Mutex
	lastTimestamp uint64
	lastRandom    [10]byte
}

// NewULIDGenerator creates a new ULID generator.
func NewULIDGenerator() *ULIDGenerator {
	return &ULIDGenerator{}
}

var defaultGenerator = NewULIDGenerator()

// NewRecordID returns a fresh ULID string from the process-wide generator.
func NewRecordID() (string, error) {
	id, err := defaultGenerator.Generate()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Generate creates a ULID stamped with the current time.
func (g *ULIDGenerator) Generate() (ULID, error) {
	return g.GenerateWithTime(time.Now())
}

// GenerateWithTime creates a ULID stamped with t.
func (g *ULIDGenerator) GenerateWithTime(t time.Time) (ULID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ts := uint64(t.UnixMilli())

	if ts == g.lastTimestamp {
		g.incrementRandom()
	} else {
		if _, err := rand.Read(g.lastRandom[:]); err != nil {
			return ULID{}, err
		}
		g.lastTimestamp = ts
	}

	var u ULID
	for i := 0; i < 6; i++ {
		u[i] = byte(ts >> (8 * (5 - i)))
	}
	copy(u[6:], g.lastRandom[:])
	return u, nil
}

// incrementRandom adds one to the 80-bit random part, carrying big-endian.
func (g *ULIDGenerator) incrementRandom() {
	for i := len(g.lastRandom) - 1; i >= 0; i-- {
		g.lastRandom[i]++
		if g.lastRandom[i] != 0 {
			return
		}
	}
}

// Timestamp returns the timestamp component as Unix milliseconds.
func (u ULID) Timestamp() uint64 {
	var ts uint64
	for i := 0; i < 6; i++ {
		ts = ts<<8 | uint64(u[i])
	}
	return ts
}

// Time returns the timestamp component as a time.Time.
func (u ULID) Time() time.Time {
	return time.UnixMilli(int64(u.Timestamp()))
}

// String encodes the ULID as 26 Crockford Base32 characters. The 128 bits are
// left-padded with two zero bits to fill 130 = 26*5 bits.
func (u ULID) String() string {
	var buf [ulidStringLen]byte
	for i := 0; i < ulidStringLen; i++ {
		// Bit offset of this character within the padded 130-bit value.
		bit := i*5 - 2
		var v byte
		for j := 0; j < 5; j++ {
			v <<= 1
			if b := bit + j; b >= 0 && u[b/8]&(0x80>>(b%8)) != 0 {
				v |= 1
			}
		}
		buf[i] = crockfordBase32[v]
	}
	return string(buf[:])
}

// MarshalText implements encoding.TextMarshaler.
func (u ULID) MarshalText() ([]byte, error) {
	return []byte(u.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (u *ULID) UnmarshalText(b []byte) error {
	parsed, err := ParseULID(string(b))
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}

// Compare returns -1, 0 or 1 comparing u to other lexicographically.
func (u ULID) Compare(other ULID) int {
	for i := range u {
		switch {
		case u[i] < other[i]:
			return -1
		case u[i] > other[i]:
			return 1
		}
	}
	return 0
}

// ParseULID parses a 26-character Crockford Base32 string.
func ParseULID(s string) (ULID, error) {
	if len(s) != ulidStringLen {
		return ULID{}, ErrInvalidULIDLength
	}
	// The first character only carries 3 significant bits.
	if decodeBase32(s[0]) > 7 {
		return ULID{}, ErrInvalidULIDCharacter
	}

	var u ULID
	for i := 0; i < ulidStringLen; i++ {
		v := decodeBase32(s[i])
		if v == 0xFF {
			return ULID{}, ErrInvalidULIDCharacter
		}
		bit := i*5 - 2
		for j := 0; j < 5; j++ {
			b := bit + j
			if b < 0 {
				continue
			}
			if v&(0x10>>j) != 0 {
				u[b/8] |= 0x80 >> (b % 8)
			}
		}
	}
	return u, nil
}

// decodeBase32 decodes one Crockford character, returning 0xFF when invalid.
func decodeBase32(c byte) byte {
	if c >= 'a' && c <= 'z' {
		c -= 'a' - 'A'
	}
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'A' && c <= 'H':
		return c - 'A' + 10
	case c == 'J' || c == 'K':
		return c - 'J' + 18
	case c == 'M' || c == 'N':
		return c - 'M' + 20
	case c >= 'P' && c <= 'T':
		return c - 'P' + 22
	case c >= 'V' && c <= 'Z':
		return c - 'V' + 27
	default:
		return 0xFF
	}
}

// ULIDFromBytes creates a ULID from a 16-byte slice.
func ULIDFromBytes(b []byte) (ULID, error) {
	if len(b) != 16 {
		return ULID{}, ErrInvalidULIDLength
	}
	var u ULID
	copy(u[:], b)
	return u, nil
}
