// Package peer implements the per-(infohash, peer) metadata-fetch session:
// BT handshake, BEP-10 extension handshake, BEP-9 ut_metadata piece
// exchange, and SHA-1 verification against the infohash.
//
// The handshake/message-framing structure follows a from-scratch
// BitTorrent wire client pattern (a fixed-size handshake struct, a
// reserved-bit extension flag, 4-byte length-prefixed messages), trimmed
// to the metadata-only exchange this crawler needs -- no piece/bitfield/
// have messages, since this crawler never downloads or seeds actual
// torrent payload.
package peer

import (
	"context"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/kadcrawl/kadcrawl/internal/bencode"
	"github.com/kadcrawl/kadcrawl/internal/bterr"
	"github.com/kadcrawl/kadcrawl/internal/dhtid"
)

const (
	protocolString = "BitTorrent protocol"
	handshakeLen   = 49 + len(protocolString)

	extendedMsgID    = 20
	extHandshakeID   = 0
	metadataPieceLen = 16 * 1024

	connectTimeout = 5 * time.Second
	readTimeout    = 5 * time.Second
	sessionBudget  = 30 * time.Second
)

// extensionReserved sets bit 20 (counting from the right, 0-indexed) of the 8
// reserved handshake bytes, which advertises BEP-10 extension support.
var extensionReserved = [8]byte{0, 0, 0, 0, 0, 0x10, 0, 0}

// Result is what a successful session hands to the fetcher pool.
type Result struct {
	InfoHash dhtid.ID
	Metadata []byte
}

// Fetch performs one full metadata-fetch session against peer for infoHash,
// subject to maxMetadataSize. ownPeerID must be 20 bytes.
func Fetch(ctx context.Context, peerAddr dhtid.PeerContact, infoHash dhtid.ID, ownPeerID [20]byte, maxMetadataSize int) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, sessionBudget)
	defer cancel()

	dialer := net.Dialer{Timeout: connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", peerAddr.String())
	if err != nil {
		return nil, fmt.Errorf("peer: dial: %w: %v", bterr.ErrIO, err)
	}
	defer conn.Close()

	if err := handshake(conn, infoHash, ownPeerID); err != nil {
		return nil, err
	}

	peerUtMetadataID, metadataSize, err := extensionHandshake(conn, maxMetadataSize)
	if err != nil {
		return nil, err
	}
	if metadataSize <= 0 || metadataSize > maxMetadataSize {
		return nil, fmt.Errorf("peer: metadata_size %d exceeds limit: %w", metadataSize, bterr.ErrOversizedMessage)
	}

	raw, err := fetchPieces(conn, peerUtMetadataID, metadataSize, maxMetadataSize)
	if err != nil {
		return nil, err
	}

	sum := sha1.Sum(raw)
	if dhtid.ID(sum) != infoHash {
		return nil, bterr.ErrChecksumMismatch
	}

	return &Result{InfoHash: infoHash, Metadata: raw}, nil
}

func handshake(conn net.Conn, infoHash dhtid.ID, ownPeerID [20]byte) error {
	_ = conn.SetDeadline(time.Now().Add(readTimeout))

	out := make([]byte, 0, handshakeLen)
	out = append(out, byte(len(protocolString)))
	out = append(out, protocolString...)
	out = append(out, extensionReserved[:]...)
	out = append(out, infoHash.Bytes()...)
	out = append(out, ownPeerID[:]...)
	if _, err := conn.Write(out); err != nil {
		return fmt.Errorf("peer: handshake write: %w: %v", bterr.ErrIO, err)
	}

	in := make([]byte, handshakeLen)
	if _, err := io.ReadFull(conn, in); err != nil {
		return fmt.Errorf("peer: handshake read: %w: %v", bterr.ErrIO, err)
	}
	if int(in[0]) != len(protocolString) || string(in[1:1+len(protocolString)]) != protocolString {
		return bterr.ErrHandshakeMismatch
	}
	gotHash := in[1+len(protocolString)+8 : 1+len(protocolString)+8+dhtid.Len]
	if string(gotHash) != string(infoHash.Bytes()) {
		return bterr.ErrHandshakeMismatch
	}
	return nil
}

// extensionHandshake sends our BEP-10 handshake and parses the peer's,
// returning the message ID they want us to use for ut_metadata messages
// and the metadata_size they advertise.
func extensionHandshake(conn net.Conn, maxMetadataSize int) (peerUtMetadataID int64, metadataSize int, err error) {
	payload := bencode.Encode(bencode.Dict(map[string]bencode.Value{
		"m": bencode.Dict(map[string]bencode.Value{
			"ut_metadata": bencode.Int(1),
		}),
	}))
	if err := writeMessage(conn, extendedMsgID, append([]byte{extHandshakeID}, payload...)); err != nil {
		return 0, 0, err
	}

	for {
		id, body, err := readMessage(conn, maxMetadataSize)
		if err != nil {
			return 0, 0, err
		}
		if id != extendedMsgID || len(body) == 0 || body[0] != extHandshakeID {
			continue // ignore unrelated messages (e.g. bitfield) until the ext handshake arrives
		}
		v, err := bencode.DecodeFull(body[1:])
		if err != nil {
			return 0, 0, err
		}
		dict, err := v.AsDict()
		if err != nil {
			return 0, 0, bterr.ErrProtocolViolation
		}
		mDict, ok := dict["m"]
		if !ok {
			return 0, 0, bterr.ErrProtocolViolation
		}
		mMap, err := mDict.AsDict()
		if err != nil {
			return 0, 0, err
		}
		utVal, ok := mMap["ut_metadata"]
		if !ok {
			return 0, 0, fmt.Errorf("peer: peer does not support ut_metadata: %w", bterr.ErrProtocolViolation)
		}
		peerUtMetadataID, err = utVal.AsInt()
		if err != nil {
			return 0, 0, err
		}
		sizeVal, ok := dict["metadata_size"]
		if !ok {
			return 0, 0, bterr.ErrProtocolViolation
		}
		size, err := sizeVal.AsInt()
		if err != nil {
			return 0, 0, err
		}
		metadataSize = int(size)
		return peerUtMetadataID, metadataSize, nil
	}
}

// fetchPieces requests every 16KiB piece of the metadata sequentially and
// reassembles them in order.
func fetchPieces(conn net.Conn, peerUtMetadataID int64, metadataSize int, maxMetadataSize int) ([]byte, error) {
	numPieces := (metadataSize + metadataPieceLen - 1) / metadataPieceLen
	out := make([]byte, 0, metadataSize)

	for piece := 0; piece < numPieces; piece++ {
		req := bencode.Encode(bencode.Dict(map[string]bencode.Value{
			"msg_type": bencode.Int(0),
			"piece":    bencode.Int(int64(piece)),
		}))
		if err := writeMessage(conn, extendedMsgID, append([]byte{byte(peerUtMetadataID)}, req...)); err != nil {
			return nil, err
		}

		id, body, err := readMessage(conn, maxMetadataSize)
		if err != nil {
			return nil, err
		}
		if id != extendedMsgID || len(body) == 0 {
			return nil, bterr.ErrProtocolViolation
		}
		v, n, err := bencode.Decode(body[1:])
		if err != nil {
			return nil, err
		}
		dict, err := v.AsDict()
		if err != nil {
			return nil, bterr.ErrProtocolViolation
		}
		msgTypeVal, ok := dict["msg_type"]
		if !ok {
			return nil, bterr.ErrProtocolViolation
		}
		msgType, err := msgTypeVal.AsInt()
		if err != nil {
			return nil, err
		}
		if msgType == 2 {
			return nil, bterr.ErrPeerReject
		}
		if msgType != 1 {
			return nil, bterr.ErrProtocolViolation
		}
		pieceBytes := body[1+n:]
		out = append(out, pieceBytes...)
	}
	return out, nil
}

func writeMessage(conn net.Conn, id byte, payload []byte) error {
	_ = conn.SetDeadline(time.Now().Add(readTimeout))
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)+1))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("peer: write length: %w: %v", bterr.ErrIO, err)
	}
	if _, err := conn.Write([]byte{id}); err != nil {
		return fmt.Errorf("peer: write id: %w: %v", bterr.ErrIO, err)
	}
	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("peer: write payload: %w: %v", bterr.ErrIO, err)
	}
	return nil
}

// readMessage reads one length-prefixed message, rejecting any frame larger
// than maxMetadataSize+64 so a malicious peer can't force an unbounded
// allocation by claiming an oversized ut_metadata piece.
func readMessage(conn net.Conn, maxMetadataSize int) (id byte, body []byte, err error) {
	_ = conn.SetDeadline(time.Now().Add(readTimeout))
	var lenBuf [4]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return 0, nil, fmt.Errorf("peer: read length: %w: %v", bterr.ErrIO, err)
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return 0, nil, nil // keep-alive
	}
	if length > uint32(maxMetadataSize)+64 {
		return 0, nil, bterr.ErrOversizedMessage
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return 0, nil, fmt.Errorf("peer: read body: %w: %v", bterr.ErrIO, err)
	}
	return buf[0], buf[1:], nil
}
