package peer

import (
	"context"
	"crypto/sha1"
	"encoding/binary"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kadcrawl/kadcrawl/internal/bencode"
	"github.com/kadcrawl/kadcrawl/internal/dhtid"
)

// mockPeer emulates just enough of a BitTorrent peer to exercise Fetch:
// it accepts the handshake, negotiates ut_metadata, and serves a fixed
// metadata blob split into 16KiB pieces, optionally corrupting one byte.
func mockPeer(t *testing.T, blob []byte, corrupt bool) (addr dhtid.PeerContact, done chan struct{}) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	done = make(chan struct{})

	go func() {
		defer close(done)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		// Read handshake, echo one back with our own peer id.
		in := make([]byte, handshakeLen)
		if _, err := readFull(conn, in); err != nil {
			return
		}
		out := make([]byte, len(in))
		copy(out, in)
		copy(out[1+len(protocolString)+8+dhtid.Len:], []byte("bbbbbbbbbbbbbbbbbbbb"))
		conn.Write(out)

		// Read extension handshake, reply with ours.
		if _, _, err := readMsg(conn); err != nil {
			return
		}
		reply := bencode.Encode(bencode.Dict(map[string]bencode.Value{
			"m":             bencode.Dict(map[string]bencode.Value{"ut_metadata": bencode.Int(1)}),
			"metadata_size": bencode.Int(int64(len(blob))),
		}))
		writeMsg(conn, extendedMsgID, append([]byte{extHandshakeID}, reply...))

		numPieces := (len(blob) + metadataPieceLen - 1) / metadataPieceLen
		for i := 0; i < numPieces; i++ {
			if _, _, err := readMsg(conn); err != nil {
				return
			}
			start := i * metadataPieceLen
			end := start + metadataPieceLen
			if end > len(blob) {
				end = len(blob)
			}
			piece := make([]byte, end-start)
			copy(piece, blob[start:end])
			if corrupt && i == 1 {
				piece[0] ^= 0xFF
			}
			header := bencode.Encode(bencode.Dict(map[string]bencode.Value{
				"msg_type":   bencode.Int(1),
				"piece":      bencode.Int(int64(i)),
				"total_size": bencode.Int(int64(len(piece))),
			}))
			payload := append([]byte{1}, header...)
			payload = append(payload, piece...)
			writeMsg(conn, extendedMsgID, payload)
		}
	}()

	tcpAddr := ln.Addr().(*net.TCPAddr)
	return dhtid.PeerContact{IP: tcpAddr.IP, Port: uint16(tcpAddr.Port)}, done
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func readMsg(conn net.Conn) (byte, []byte, error) {
	return readMessage(conn, 10*1024*1024)
}

func writeMsg(conn net.Conn, id byte, payload []byte) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)+1))
	conn.Write(lenBuf[:])
	conn.Write([]byte{id})
	conn.Write(payload)
}

func TestFetchSucceedsAndVerifiesChecksum(t *testing.T) {
	blob := bencode.Encode(bencode.Dict(map[string]bencode.Value{
		"name":   bencode.String("test"),
		"length": bencode.Int(40000),
	}))
	infoHash := dhtid.ID(sha1.Sum(blob))
	addr, done := mockPeer(t, blob, false)

	var ownID [20]byte
	copy(ownID[:], "aaaaaaaaaaaaaaaaaaaa")
	result, err := Fetch(context.Background(), addr, infoHash, ownID, 10*1024*1024)
	<-done
	require.NoError(t, err)
	require.Equal(t, blob, result.Metadata)
}

func TestFetchDetectsCorruption(t *testing.T) {
	blob := make([]byte, 40000)
	for i := range blob {
		blob[i] = byte(i)
	}
	infoHash := dhtid.ID(sha1.Sum(blob))
	addr, done := mockPeer(t, blob, true)

	var ownID [20]byte
	copy(ownID[:], "aaaaaaaaaaaaaaaaaaaa")
	_, err := Fetch(context.Background(), addr, infoHash, ownID, 10*1024*1024)
	<-done
	require.Error(t, err)
}
