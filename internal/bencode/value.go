// Package bencode implements the bencoded value grammar used by the
// Mainline DHT (KRPC) and the BitTorrent peer wire protocol: byte strings,
// signed integers, lists, and dictionaries with canonical key ordering.
//
// The codec is hand-written rather than built on a third-party bencode
// library because callers need two things no off-the-shelf bencode package
// exposes as a stable contract: the byte offset of a decode failure, and
// strict rejection of duplicate dictionary keys. The original Python
// implementation this crawler is modeled on makes the same choice — it
// ships its own bencode module rather than depending on one from PyPI.
package bencode

import "fmt"

// Kind identifies which of the four bencoded shapes a Value holds.
type Kind int

const (
	KindBytes Kind = iota
	KindInt
	KindList
	KindDict
)

// Value is a tagged union over the four bencoded types. Exactly one of the
// fields is meaningful, selected by Kind.
type Value struct {
	Kind  Kind
	Bytes []byte
	Int   int64
	List  []Value
	Dict  map[string]Value

	// DictOrder preserves the key order as encountered on decode; Encode
	// writes the keys in this order so decoded input round-trips
	// byte-for-byte.
	DictOrder []string
}

// String returns a short human-readable description, not the decoded text;
// use AsBytes for the payload.
func (v Value) String() string {
	switch v.Kind {
	case KindBytes:
		return fmt.Sprintf("bytes(%d)", len(v.Bytes))
	case KindInt:
		return fmt.Sprintf("int(%d)", v.Int)
	case KindList:
		return fmt.Sprintf("list(%d)", len(v.List))
	case KindDict:
		return fmt.Sprintf("dict(%d)", len(v.Dict))
	default:
		return "invalid"
	}
}

// AsBytes returns the byte-string payload, or a ProtocolViolation-wrapped
// error if v is not a byte string.
func (v Value) AsBytes() ([]byte, error) {
	if v.Kind != KindBytes {
		return nil, shapeError("bytes", v.Kind)
	}
	return v.Bytes, nil
}

// AsInt returns the integer payload.
func (v Value) AsInt() (int64, error) {
	if v.Kind != KindInt {
		return 0, shapeError("int", v.Kind)
	}
	return v.Int, nil
}

// AsList returns the list payload.
func (v Value) AsList() ([]Value, error) {
	if v.Kind != KindList {
		return nil, shapeError("list", v.Kind)
	}
	return v.List, nil
}

// AsDict returns the dictionary payload.
func (v Value) AsDict() (map[string]Value, error) {
	if v.Kind != KindDict {
		return nil, shapeError("dict", v.Kind)
	}
	return v.Dict, nil
}

// Get looks up a key in a dictionary Value, returning ok=false both when v
// isn't a dict and when the key is absent.
func (v Value) Get(key string) (Value, bool) {
	if v.Kind != KindDict {
		return Value{}, false
	}
	val, ok := v.Dict[key]
	return val, ok
}

func shapeError(want string, got Kind) error {
	return fmt.Errorf("%w: expected %s, got %s", errProtocolShape, want, got)
}
