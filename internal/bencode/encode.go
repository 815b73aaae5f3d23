package bencode

import (
	"bytes"
	"sort"
	"strconv"
)

// Encode serialises v in bencoded form. A dictionary whose DictOrder lists
// exactly its keys (as set by the decoder) is written in that order, so
// re-encoding a decoded input reproduces it byte-for-byte; any other
// dictionary is written with its keys in ascending lexicographic order.
func Encode(v Value) []byte {
	var buf bytes.Buffer
	encodeInto(&buf, v)
	return buf.Bytes()
}

func encodeInto(buf *bytes.Buffer, v Value) {
	switch v.Kind {
	case KindBytes:
		buf.WriteString(strconv.Itoa(len(v.Bytes)))
		buf.WriteByte(':')
		buf.Write(v.Bytes)
	case KindInt:
		buf.WriteByte('i')
		buf.WriteString(strconv.FormatInt(v.Int, 10))
		buf.WriteByte('e')
	case KindList:
		buf.WriteByte('l')
		for _, item := range v.List {
			encodeInto(buf, item)
		}
		buf.WriteByte('e')
	case KindDict:
		buf.WriteByte('d')
		keys := v.DictOrder
		for _, k := range keys {
			if _, ok := v.Dict[k]; !ok {
				keys = nil
				break
			}
		}
		if len(keys) != len(v.Dict) {
			keys = make([]string, 0, len(v.Dict))
			for k := range v.Dict {
				keys = append(keys, k)
			}
			sort.Strings(keys)
		}
		for _, k := range keys {
			encodeInto(buf, Value{Kind: KindBytes, Bytes: []byte(k)})
			encodeInto(buf, v.Dict[k])
		}
		buf.WriteByte('e')
	}
}

// Helpers for building Values from native Go types, used pervasively by
// callers that construct KRPC messages and ut_metadata payloads.

func Bytes(b []byte) Value       { return Value{Kind: KindBytes, Bytes: b} }
func String(s string) Value      { return Value{Kind: KindBytes, Bytes: []byte(s)} }
func Int(n int64) Value          { return Value{Kind: KindInt, Int: n} }
func List(items ...Value) Value  { return Value{Kind: KindList, List: items} }
func Dict(m map[string]Value) Value {
	return Value{Kind: KindDict, Dict: m}
}
