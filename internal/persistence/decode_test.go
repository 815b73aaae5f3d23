package persistence

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kadcrawl/kadcrawl/internal/bencode"
)

func TestDecodeInfoSingleFile(t *testing.T) {
	raw := bencode.Encode(bencode.Dict(map[string]bencode.Value{
		"name":   bencode.String("test"),
		"length": bencode.Int(123),
	}))
	name, files, total, err := decodeInfo(raw)
	require.NoError(t, err)
	require.Equal(t, "test", name)
	require.EqualValues(t, 123, total)
	require.Len(t, files, 1)
	require.Equal(t, "test", files[0].Path)
}

func TestDecodeInfoMultiFile(t *testing.T) {
	raw := bencode.Encode(bencode.Dict(map[string]bencode.Value{
		"name": bencode.String("album"),
		"files": bencode.List(
			bencode.Dict(map[string]bencode.Value{
				"length": bencode.Int(10),
				"path":   bencode.List(bencode.String("a.flac")),
			}),
			bencode.Dict(map[string]bencode.Value{
				"length": bencode.Int(20),
				"path":   bencode.List(bencode.String("sub"), bencode.String("b.flac")),
			}),
		),
	}))
	name, files, total, err := decodeInfo(raw)
	require.NoError(t, err)
	require.Equal(t, "album", name)
	require.EqualValues(t, 30, total)
	require.Len(t, files, 2)
	require.Equal(t, "sub/b.flac", files[1].Path)
}

func TestDecodeInfoRejectsSlashInName(t *testing.T) {
	raw := bencode.Encode(bencode.Dict(map[string]bencode.Value{
		"name":   bencode.String("a/b"),
		"length": bencode.Int(1),
	}))
	_, _, _, err := decodeInfo(raw)
	require.Error(t, err)
}

func TestDecodeInfoRejectsNonPositiveLength(t *testing.T) {
	raw := bencode.Encode(bencode.Dict(map[string]bencode.Value{
		"name":   bencode.String("a"),
		"length": bencode.Int(0),
	}))
	_, _, _, err := decodeInfo(raw)
	require.Error(t, err)
}
