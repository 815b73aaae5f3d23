package bencode

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kadcrawl/kadcrawl/internal/bterr"
)

func TestDecodeRoundTrip(t *testing.T) {
	cases := []string{
		"4:spam",
		"i42e",
		"i-42e",
		"i0e",
		"le",
		"l4:spam4:eggse",
		"d3:cow3:moo4:spam4:eggse",
		"d4:name4:test6:lengthi123ee",
	}
	for _, c := range cases {
		c := c
		t.Run(c, func(t *testing.T) {
			v, err := DecodeFull([]byte(c))
			require.NoError(t, err)
			require.Equal(t, []byte(c), Encode(v))
		})
	}
}

func TestDecodeRejectsLeadingZero(t *testing.T) {
	_, err := DecodeFull([]byte("i03e"))
	require.Error(t, err)
}

func TestDecodeRejectsNegativeZero(t *testing.T) {
	_, err := DecodeFull([]byte("i-0e"))
	require.Error(t, err)
}

func TestDecodeRejectsDuplicateKeys(t *testing.T) {
	_, err := DecodeFull([]byte("d1:ai1e1:ai2ee"))
	require.Error(t, err)
}

func TestDecodeReportsOffset(t *testing.T) {
	_, _, err := Decode([]byte("d1:a"))
	require.Error(t, err)
	var be *bterr.BencodeError
	require.ErrorAs(t, err, &be)
	require.Equal(t, 4, be.Offset)
}

func TestDecodeNameLengthExample(t *testing.T) {
	v, err := DecodeFull([]byte("d4:name4:test6:lengthi123ee"))
	require.NoError(t, err)
	name, err := mustGet(t, v, "name").AsBytes()
	require.NoError(t, err)
	require.Equal(t, "test", string(name))
	length, err := mustGet(t, v, "length").AsInt()
	require.NoError(t, err)
	require.EqualValues(t, 123, length)
}

func mustGet(t *testing.T, v Value, key string) Value {
	t.Helper()
	got, ok := v.Get(key)
	require.True(t, ok, "missing key %q", key)
	return got
}
