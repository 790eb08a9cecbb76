package concourse

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"
)

// ValueType tags the alternative carried by a Value, as described in §3/§4.1.
type ValueType uint8

const (
	BOOLEAN ValueType = iota
	INTEGER
	LONG
	FLOAT
	DOUBLE
	STRING
	LINK
)

func (t ValueType) String() string {
	switch t {
	case BOOLEAN:
		return "BOOLEAN"
	case INTEGER:
		return "INTEGER"
	case LONG:
		return "LONG"
	case FLOAT:
		return "FLOAT"
	case DOUBLE:
		return "DOUBLE"
	case STRING:
		return "STRING"
	case LINK:
		return "LINK"
	default:
		return "UNKNOWN"
	}
}

// PrimaryKey is the 64-bit identity of a record.
type PrimaryKey uint64

func (k PrimaryKey) String() string { return fmt.Sprintf("%d", uint64(k)) }

// Bytes returns the canonical 8-byte big-endian encoding of the key.
func (k PrimaryKey) Bytes() []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(k))
	return b[:]
}

// PrimaryKeyFromBytes parses the encoding produced by PrimaryKey.Bytes.
func PrimaryKeyFromBytes(b []byte) PrimaryKey {
	return PrimaryKey(binary.BigEndian.Uint64(b))
}

func (k PrimaryKey) Compare(o PrimaryKey) int { return compareOrdered(k, o) }

// KeyGenerator produces globally-unique, monotonically increasing PrimaryKey
// values within one engine instance: a microsecond wall-clock reading with a
// per-instance sequence tiebreaker for values minted within the same
// microsecond (spec §9, PrimaryKey generation open question). The zero value
// is ready to use.
type KeyGenerator struct {
	mu         sync.Mutex
	lastMicros int64
	seq        uint32
}

// NewKeyGenerator returns a ready-to-use, concurrency-safe KeyGenerator.
func NewKeyGenerator() *KeyGenerator {
	return &KeyGenerator{}
}

// Next returns the next PrimaryKey. The high 52 bits carry microseconds since
// the Unix epoch and the low 12 bits carry the per-microsecond sequence,
// guaranteeing strict monotonicity even when called faster than the clock
// advances. The result stays below 2^63, so it also fits the engine's int64
// versions, until about the year 2041.
func (g *KeyGenerator) Next(now time.Time) PrimaryKey {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.next(now)
}

func (g *KeyGenerator) next(now time.Time) PrimaryKey {
	micros := now.UnixMicro()
	if micros <= g.lastMicros {
		micros = g.lastMicros
		g.seq++
		if g.seq >= 1<<12 {
			// Clock did not advance past 2^12 calls within one microsecond;
			// force it forward rather than wrap the sequence and collide.
			micros++
			g.seq = 0
		}
	} else {
		g.lastMicros = micros
		g.seq = 0
	}
	g.lastMicros = micros
	return PrimaryKey(uint64(micros)<<12 | uint64(g.seq))
}

// Text is an immutable UTF-8 byte sequence, compared byte-lexicographically.
type Text []byte

func NewText(s string) Text { return Text(s) }

func (t Text) String() string { return string(t) }

func (t Text) Compare(o Text) int { return bytes.Compare(t, o) }

func (t Text) Equal(o Text) bool { return bytes.Equal(t, o) }

// Bytes returns the canonical length-prefixed encoding: a 32-bit big-endian
// length followed by the raw UTF-8 bytes.
func (t Text) Bytes() []byte {
	b := make([]byte, 4+len(t))
	binary.BigEndian.PutUint32(b[0:4], uint32(len(t)))
	copy(b[4:], t)
	return b
}

// Position identifies one token occurrence within a record's original text:
// the record it came from and the token's index in the tokenized text.
type Position struct {
	Record PrimaryKey
	Index  uint32
}

func (p Position) Bytes() []byte {
	b := make([]byte, 12)
	binary.BigEndian.PutUint64(b[0:8], uint64(p.Record))
	binary.BigEndian.PutUint32(b[8:12], p.Index)
	return b
}

func PositionFromBytes(b []byte) Position {
	return Position{
		Record: PrimaryKey(binary.BigEndian.Uint64(b[0:8])),
		Index:  binary.BigEndian.Uint32(b[8:12]),
	}
}

func (p Position) Compare(o Position) int {
	if p.Record != o.Record {
		if p.Record < o.Record {
			return -1
		}
		return 1
	}
	if p.Index != o.Index {
		if p.Index < o.Index {
			return -1
		}
		return 1
	}
	return 0
}

// Value is the engine's canonical typed payload. forStorage values carry a
// version and participate in version-aware equality (§4.1); notForStorage
// values are query-only scratch values (e.g. the right-hand side of a
// find() predicate) whose equality ignores version entirely.
type Value struct {
	tag        ValueType
	boolVal    bool
	intVal     int32
	longVal    int64
	floatVal   float32
	doubleVal  float64
	stringVal  string
	linkVal    PrimaryKey
	version    int64
	forStorage bool
}

func NewBoolValue(b bool) Value   { return Value{tag: BOOLEAN, boolVal: b} }
func NewIntValue(i int32) Value   { return Value{tag: INTEGER, intVal: i} }
func NewLongValue(l int64) Value  { return Value{tag: LONG, longVal: l} }
func NewFloatValue(f float32) Value { return Value{tag: FLOAT, floatVal: f} }
func NewDoubleValue(d float64) Value { return Value{tag: DOUBLE, doubleVal: d} }
func NewStringValue(s string) Value { return Value{tag: STRING, stringVal: s} }
func NewLinkValue(k PrimaryKey) Value { return Value{tag: LINK, linkVal: k} }

// WithVersion returns a forStorage copy of v stamped with the given version.
func (v Value) WithVersion(version int64) Value {
	v.version = version
	v.forStorage = true
	return v
}

func (v Value) Type() ValueType    { return v.tag }
func (v Value) Version() int64     { return v.version }
func (v Value) IsForStorage() bool { return v.forStorage }

func (v Value) Bool() bool       { return v.boolVal }
func (v Value) Int() int32       { return v.intVal }
func (v Value) Long() int64      { return v.longVal }
func (v Value) Float() float32   { return v.floatVal }
func (v Value) Double() float64  { return v.doubleVal }
func (v Value) Str() string      { return v.stringVal }
func (v Value) Link() PrimaryKey { return v.linkVal }

// Equal compares two values. When both are forStorage, version participates
// in the comparison (two writes of the same payload at different versions
// are distinct values); when either is notForStorage, only the payload is
// compared.
func (v Value) Equal(o Value) bool {
	if v.tag != o.tag {
		return false
	}
	if v.forStorage && o.forStorage && v.version != o.version {
		return false
	}
	switch v.tag {
	case BOOLEAN:
		return v.boolVal == o.boolVal
	case INTEGER:
		return v.intVal == o.intVal
	case LONG:
		return v.longVal == o.longVal
	case FLOAT:
		return v.floatVal == o.floatVal
	case DOUBLE:
		return v.doubleVal == o.doubleVal
	case STRING:
		return v.stringVal == o.stringVal
	case LINK:
		return v.linkVal == o.linkVal
	default:
		return false
	}
}

// Compare gives the total order across types described in §4.1: by tag
// first, then natural order within a type (unsigned-big-endian for
// fixed-width numerics, byte-lexicographic for STRING).
func (v Value) Compare(o Value) int {
	if v.tag != o.tag {
		if v.tag < o.tag {
			return -1
		}
		return 1
	}
	switch v.tag {
	case BOOLEAN:
		return compareBool(v.boolVal, o.boolVal)
	case INTEGER:
		return compareOrdered(v.intVal, o.intVal)
	case LONG:
		return compareOrdered(v.longVal, o.longVal)
	case FLOAT:
		return compareOrdered(v.floatVal, o.floatVal)
	case DOUBLE:
		return compareOrdered(v.doubleVal, o.doubleVal)
	case STRING:
		return bytes.Compare([]byte(v.stringVal), []byte(o.stringVal))
	case LINK:
		return compareOrdered(v.linkVal, o.linkVal)
	default:
		return 0
	}
}

func compareBool(a, b bool) int {
	if a == b {
		return 0
	}
	if !a {
		return -1
	}
	return 1
}

func compareOrdered[T int32 | int64 | float32 | float64 | PrimaryKey](a, b T) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}

// Bytes returns the canonical encoding: a 1-byte type tag followed by the
// type's fixed or length-prefixed payload, matching the wire form in §6.
func (v Value) Bytes() []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(v.tag))
	switch v.tag {
	case BOOLEAN:
		if v.boolVal {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case INTEGER:
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(v.intVal))
		buf.Write(b[:])
	case LONG:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(v.longVal))
		buf.Write(b[:])
	case FLOAT:
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], math.Float32bits(v.floatVal))
		buf.Write(b[:])
	case DOUBLE:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], math.Float64bits(v.doubleVal))
		buf.Write(b[:])
	case STRING:
		var lb [4]byte
		binary.BigEndian.PutUint32(lb[:], uint32(len(v.stringVal)))
		buf.Write(lb[:])
		buf.WriteString(v.stringVal)
	case LINK:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(v.linkVal))
		buf.Write(b[:])
	}
	return buf.Bytes()
}

// ValueFromBytes parses the encoding produced by Value.Bytes. The returned
// value is notForStorage; callers that need the version stamp re-apply it
// via WithVersion from the enclosing Revision.
func ValueFromBytes(b []byte) (Value, int, error) {
	if len(b) < 1 {
		return Value{}, 0, fmt.Errorf("concourse: value encoding too short")
	}
	tag := ValueType(b[0])
	switch tag {
	case BOOLEAN:
		if len(b) < 2 {
			return Value{}, 0, fmt.Errorf("concourse: truncated BOOLEAN value")
		}
		return NewBoolValue(b[1] != 0), 2, nil
	case INTEGER:
		if len(b) < 5 {
			return Value{}, 0, fmt.Errorf("concourse: truncated INTEGER value")
		}
		return NewIntValue(int32(binary.BigEndian.Uint32(b[1:5]))), 5, nil
	case LONG:
		if len(b) < 9 {
			return Value{}, 0, fmt.Errorf("concourse: truncated LONG value")
		}
		return NewLongValue(int64(binary.BigEndian.Uint64(b[1:9]))), 9, nil
	case FLOAT:
		if len(b) < 5 {
			return Value{}, 0, fmt.Errorf("concourse: truncated FLOAT value")
		}
		return NewFloatValue(math.Float32frombits(binary.BigEndian.Uint32(b[1:5]))), 5, nil
	case DOUBLE:
		if len(b) < 9 {
			return Value{}, 0, fmt.Errorf("concourse: truncated DOUBLE value")
		}
		return NewDoubleValue(math.Float64frombits(binary.BigEndian.Uint64(b[1:9]))), 9, nil
	case STRING:
		if len(b) < 5 {
			return Value{}, 0, fmt.Errorf("concourse: truncated STRING length")
		}
		n := binary.BigEndian.Uint32(b[1:5])
		end := 5 + int(n)
		if len(b) < end {
			return Value{}, 0, fmt.Errorf("concourse: truncated STRING payload")
		}
		return NewStringValue(string(b[5:end])), end, nil
	case LINK:
		if len(b) < 9 {
			return Value{}, 0, fmt.Errorf("concourse: truncated LINK value")
		}
		return NewLinkValue(PrimaryKey(binary.BigEndian.Uint64(b[1:9]))), 9, nil
	default:
		return Value{}, 0, fmt.Errorf("concourse: unknown value type tag %d", tag)
	}
}

// Timestamp is the sum type `Now | At(version)` called for in §9, replacing
// the 0-sentinel "current time" convention of the original source.
type Timestamp struct {
	at      int64
	explicit bool
}

// Now represents "use the engine's current time" at the point of evaluation.
func Now() Timestamp { return Timestamp{} }

// At represents a specific version, used for time-travel reads.
func At(version int64) Timestamp { return Timestamp{at: version, explicit: true} }

func (t Timestamp) IsNow() bool { return !t.explicit }

// Resolve returns the concrete version this timestamp denotes, given the
// engine's notion of "current" (its most recently minted version).
func (t Timestamp) Resolve(currentVersion int64) int64 {
	if !t.explicit {
		return currentVersion
	}
	return t.at
}
