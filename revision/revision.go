// Package revision defines the engine's immutable unit of writing: a
// (locator, key, value, version, action) quadruple, and the three flavors
// (primary, secondary, search) that pick different type triples for
// (locator, key, value) against the same underlying structure.
package revision

import (
	"encoding/binary"
	"fmt"

	"github.com/hunglin/concourse"
)

// Action distinguishes an addition from a removal. A Revision never
// represents anything else; presence is derived from the parity of ADD/REMOVE
// counts, never stored directly.
type Action uint8

const (
	ADD Action = iota
	REMOVE
)

func (a Action) String() string {
	if a == REMOVE {
		return "REMOVE"
	}
	return "ADD"
}

// Revision is the append-only record every Block and Buffer page holds.
// L, K, V are constrained to the leaf types that participate in a schema:
// concourse.PrimaryKey, concourse.Text, concourse.Value, concourse.Position.
type Revision[L, K, V any] struct {
	locator L
	key     K
	value   V
	version int64
	action  Action
}

// New builds a Revision. It is the only constructor; callers that need a
// canonical flavor should use the Primary/Secondary/Search helpers in this
// package instead of calling New directly.
func New[L, K, V any](locator L, key K, value V, version int64, action Action) Revision[L, K, V] {
	return Revision[L, K, V]{locator: locator, key: key, value: value, version: version, action: action}
}

func (r Revision[L, K, V]) Locator() L        { return r.locator }
func (r Revision[L, K, V]) Key() K            { return r.key }
func (r Revision[L, K, V]) Value() V          { return r.value }
func (r Revision[L, K, V]) Version() int64    { return r.version }
func (r Revision[L, K, V]) Action() Action    { return r.action }
func (r Revision[L, K, V]) IsAdd() bool       { return r.action == ADD }
func (r Revision[L, K, V]) IsRemove() bool    { return r.action == REMOVE }

// Primary is the flavor backing the primary index: locator is the owning
// record, key is the attribute name, value is the typed payload.
type Primary = Revision[concourse.PrimaryKey, concourse.Text, concourse.Value]

func NewPrimary(record concourse.PrimaryKey, key concourse.Text, value concourse.Value, version int64, action Action) Primary {
	return New(record, key, value, version, action)
}

// Secondary is the flavor backing the secondary index: locator is the
// attribute name, key is the typed value, value is the owning record.
type Secondary = Revision[concourse.Text, concourse.Value, concourse.PrimaryKey]

func NewSecondary(attribute concourse.Text, value concourse.Value, record concourse.PrimaryKey, version int64, action Action) Secondary {
	return New(attribute, value, record, version, action)
}

// Search is the flavor backing the search index: locator is a substring,
// key is the original token (preserved for phrase reconstruction), value is
// the Position the token occurred at.
type Search = Revision[concourse.Text, concourse.Text, concourse.Position]

func NewSearch(substring concourse.Text, term concourse.Text, position concourse.Position, version int64, action Action) Search {
	return New(substring, term, position, version, action)
}

// encodable is implemented by the leaf types a Revision may carry, giving a
// canonical byte encoding independent of the concrete (L,K,V) instantiation.
type encodable interface {
	Bytes() []byte
}

// Encode produces the canonical byte form of r, prefixed by a 32-bit size as
// described in §6: [u32 size][locator][key][value][version u64][action u8].
// L, K, V must implement Bytes() []byte (concourse.PrimaryKey, Text, Value,
// Position all do).
func Encode[L, K, V encodable](r Revision[L, K, V]) []byte {
	lb := any(r.locator).(encodable).Bytes()
	kb := any(r.key).(encodable).Bytes()
	vb := any(r.value).(encodable).Bytes()

	body := make([]byte, 0, len(lb)+len(kb)+len(vb)+9)
	body = append(body, lb...)
	body = append(body, kb...)
	body = append(body, vb...)
	var vbuf [8]byte
	binary.BigEndian.PutUint64(vbuf[:], uint64(r.version))
	body = append(body, vbuf[:]...)
	body = append(body, byte(r.action))

	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(out[0:4], uint32(len(body)))
	copy(out[4:], body)
	return out
}

// Size returns the total encoded length of r including its 4-byte size prefix.
func Size[L, K, V encodable](r Revision[L, K, V]) int {
	return len(Encode(r))
}

// leafDecoder is the parse side of encodable: it consumes bytes from the front
// and returns the parsed value plus the number of bytes consumed.
type leafDecoder[T any] func([]byte) (T, int, error)

// DecodePrimary parses one length-prefixed Primary revision starting at b[0].
// It returns the revision and the number of bytes consumed (including the
// 4-byte size prefix).
func DecodePrimary(b []byte) (Primary, int, error) {
	return decode(b, decodePrimaryKey, decodeText, decodeValue)
}

// DecodeSecondary parses one length-prefixed Secondary revision.
func DecodeSecondary(b []byte) (Secondary, int, error) {
	return decode(b, decodeText, decodeValue, decodePrimaryKey)
}

// DecodeSearch parses one length-prefixed Search revision.
func DecodeSearch(b []byte) (Search, int, error) {
	return decode(b, decodeText, decodeText, decodePosition)
}

func decode[L, K, V any](b []byte, dl leafDecoder[L], dk leafDecoder[K], dv leafDecoder[V]) (Revision[L, K, V], int, error) {
	var zero Revision[L, K, V]
	if len(b) < 4 {
		return zero, 0, fmt.Errorf("concourse/revision: truncated size prefix")
	}
	size := binary.BigEndian.Uint32(b[0:4])
	total := 4 + int(size)
	if len(b) < total {
		return zero, 0, fmt.Errorf("concourse/revision: truncated body, want %d have %d", total, len(b))
	}
	body := b[4:total]
	off := 0

	loc, n, err := dl(body[off:])
	if err != nil {
		return zero, 0, err
	}
	off += n

	key, n, err := dk(body[off:])
	if err != nil {
		return zero, 0, err
	}
	off += n

	val, n, err := dv(body[off:])
	if err != nil {
		return zero, 0, err
	}
	off += n

	if len(body)-off < 9 {
		return zero, 0, fmt.Errorf("concourse/revision: truncated version/action trailer")
	}
	version := int64(binary.BigEndian.Uint64(body[off : off+8]))
	action := Action(body[off+8])

	return New(loc, key, val, version, action), total, nil
}

func decodePrimaryKey(b []byte) (concourse.PrimaryKey, int, error) {
	if len(b) < 8 {
		return 0, 0, fmt.Errorf("concourse/revision: truncated PrimaryKey")
	}
	return concourse.PrimaryKeyFromBytes(b[:8]), 8, nil
}

func decodeText(b []byte) (concourse.Text, int, error) {
	if len(b) < 4 {
		return nil, 0, fmt.Errorf("concourse/revision: truncated Text length")
	}
	n := binary.BigEndian.Uint32(b[0:4])
	end := 4 + int(n)
	if len(b) < end {
		return nil, 0, fmt.Errorf("concourse/revision: truncated Text payload")
	}
	return concourse.Text(b[4:end]), end, nil
}

func decodeValue(b []byte) (concourse.Value, int, error) {
	v, n, err := concourse.ValueFromBytes(b)
	return v, n, err
}

func decodePosition(b []byte) (concourse.Position, int, error) {
	if len(b) < 12 {
		return concourse.Position{}, 0, fmt.Errorf("concourse/revision: truncated Position")
	}
	return concourse.PositionFromBytes(b[:12]), 12, nil
}
