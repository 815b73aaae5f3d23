// Package krpc implements the KRPC envelope (BEP-5) -- the bencoded
// request/response/error messages carried over UDP -- and the transaction
// bookkeeping that correlates a query with its eventual reply or timeout.
//
// The message shape here mirrors the canonical Msg/MsgArgs/Return struct
// split seen across the DHT implementations in the example pack (most
// directly the yarikk-dht krpc message definitions), adapted to this
// project's hand-written bencode.Value rather than struct tags, since the
// codec in internal/bencode does not do reflection-based marshaling.
package krpc

import (
	"github.com/kadcrawl/kadcrawl/internal/bencode"
	"github.com/kadcrawl/kadcrawl/internal/bterr"
	"github.com/kadcrawl/kadcrawl/internal/dhtid"
)

// MessageType is the KRPC "y" field: query, response, or error.
type MessageType string

const (
	TypeQuery    MessageType = "q"
	TypeResponse MessageType = "r"
	TypeError    MessageType = "e"
)

// Query names the KRPC "q" field.
type Query string

const (
	QueryPing         Query = "ping"
	QueryFindNode     Query = "find_node"
	QueryGetPeers     Query = "get_peers"
	QueryAnnouncePeer Query = "announce_peer"
)

// Args holds every field any query's "a" dictionary might carry. Only the
// fields relevant to Q are populated.
type Args struct {
	ID           dhtid.ID
	Target       dhtid.ID
	InfoHash     dhtid.ID
	Token        []byte
	Port         uint16
	ImpliedPort  bool
	HasImplied   bool
}

// Return holds every field any response's "r" dictionary might carry.
type Return struct {
	ID     dhtid.ID
	Nodes  []byte // compact node-info string
	Token  []byte
	Values [][]byte // compact peer-info strings
}

// Message is one decoded (or to-be-encoded) KRPC envelope.
type Message struct {
	TID  []byte
	Type MessageType
	Q    Query
	A    *Args
	R    *Return
	ECode int64
	EMsg  string
}

// Encode serialises m into its bencoded wire form.
func (m Message) Encode() []byte {
	d := map[string]bencode.Value{
		"t": bencode.Bytes(m.TID),
		"y": bencode.String(string(m.Type)),
	}
	switch m.Type {
	case TypeQuery:
		d["q"] = bencode.String(string(m.Q))
		d["a"] = encodeArgs(m.Q, m.A)
	case TypeResponse:
		d["r"] = encodeReturn(m.R)
	case TypeError:
		d["e"] = bencode.List(bencode.Int(m.ECode), bencode.String(m.EMsg))
	}
	return bencode.Encode(bencode.Dict(d))
}

func encodeArgs(q Query, a *Args) bencode.Value {
	d := map[string]bencode.Value{"id": bencode.Bytes(a.ID.Bytes())}
	switch q {
	case QueryFindNode:
		d["target"] = bencode.Bytes(a.Target.Bytes())
	case QueryGetPeers:
		d["info_hash"] = bencode.Bytes(a.InfoHash.Bytes())
	case QueryAnnouncePeer:
		d["info_hash"] = bencode.Bytes(a.InfoHash.Bytes())
		d["port"] = bencode.Int(int64(a.Port))
		d["token"] = bencode.Bytes(a.Token)
		if a.HasImplied {
			implied := int64(0)
			if a.ImpliedPort {
				implied = 1
			}
			d["implied_port"] = bencode.Int(implied)
		}
	}
	return bencode.Dict(d)
}

func encodeReturn(r *Return) bencode.Value {
	d := map[string]bencode.Value{"id": bencode.Bytes(r.ID.Bytes())}
	if r.Nodes != nil {
		d["nodes"] = bencode.Bytes(r.Nodes)
	}
	if r.Token != nil {
		d["token"] = bencode.Bytes(r.Token)
	}
	if r.Values != nil {
		items := make([]bencode.Value, len(r.Values))
		for i, v := range r.Values {
			items[i] = bencode.Bytes(v)
		}
		d["values"] = bencode.List(items...)
	}
	return bencode.Dict(d)
}

// Decode parses a raw UDP datagram into a Message.
func Decode(raw []byte) (Message, error) {
	v, err := bencode.DecodeFull(raw)
	if err != nil {
		return Message{}, err
	}
	dict, err := v.AsDict()
	if err != nil {
		return Message{}, bterr.ErrProtocolViolation
	}
	var m Message
	tidVal, ok := dict["t"]
	if !ok {
		return Message{}, errMissing("t")
	}
	tid, err := tidVal.AsBytes()
	if err != nil {
		return Message{}, err
	}
	m.TID = tid

	yVal, ok := dict["y"]
	if !ok {
		return Message{}, errMissing("y")
	}
	yBytes, err := yVal.AsBytes()
	if err != nil {
		return Message{}, err
	}
	m.Type = MessageType(yBytes)

	switch m.Type {
	case TypeQuery:
		return decodeQuery(dict, m)
	case TypeResponse:
		return decodeResponse(dict, m)
	case TypeError:
		return decodeError(dict, m)
	default:
		return Message{}, bterr.ErrProtocolViolation
	}
}

func decodeQuery(dict map[string]bencode.Value, m Message) (Message, error) {
	qVal, ok := dict["q"]
	if !ok {
		return Message{}, errMissing("q")
	}
	qBytes, err := qVal.AsBytes()
	if err != nil {
		return Message{}, err
	}
	m.Q = Query(qBytes)

	aVal, ok := dict["a"]
	if !ok {
		return Message{}, errMissing("a")
	}
	aDict, err := aVal.AsDict()
	if err != nil {
		return Message{}, err
	}
	args := &Args{}
	idBytes, err := requireBytes(aDict, "id")
	if err != nil {
		return Message{}, err
	}
	args.ID, err = dhtid.FromBytes(idBytes)
	if err != nil {
		return Message{}, bterr.ErrProtocolViolation
	}

	switch m.Q {
	case QueryFindNode:
		tb, err := requireBytes(aDict, "target")
		if err != nil {
			return Message{}, err
		}
		args.Target, err = dhtid.FromBytes(tb)
		if err != nil {
			return Message{}, bterr.ErrProtocolViolation
		}
	case QueryGetPeers, QueryAnnouncePeer:
		hb, err := requireBytes(aDict, "info_hash")
		if err != nil {
			return Message{}, err
		}
		args.InfoHash, err = dhtid.FromBytes(hb)
		if err != nil {
			return Message{}, bterr.ErrProtocolViolation
		}
		if m.Q == QueryAnnouncePeer {
			portVal, ok := aDict["port"]
			if !ok {
				return Message{}, errMissing("port")
			}
			port, err := portVal.AsInt()
			if err != nil {
				return Message{}, err
			}
			args.Port = uint16(port)
			if tokVal, ok := aDict["token"]; ok {
				tok, err := tokVal.AsBytes()
				if err != nil {
					return Message{}, err
				}
				args.Token = tok
			}
			if impliedVal, ok := aDict["implied_port"]; ok {
				implied, err := impliedVal.AsInt()
				if err != nil {
					return Message{}, err
				}
				args.HasImplied = true
				args.ImpliedPort = implied != 0
			}
		}
	}
	m.A = args
	return m, nil
}

func decodeResponse(dict map[string]bencode.Value, m Message) (Message, error) {
	rVal, ok := dict["r"]
	if !ok {
		return Message{}, errMissing("r")
	}
	rDict, err := rVal.AsDict()
	if err != nil {
		return Message{}, err
	}
	ret := &Return{}
	idBytes, err := requireBytes(rDict, "id")
	if err != nil {
		return Message{}, err
	}
	ret.ID, err = dhtid.FromBytes(idBytes)
	if err != nil {
		return Message{}, bterr.ErrProtocolViolation
	}
	if nodesVal, ok := rDict["nodes"]; ok {
		nodes, err := nodesVal.AsBytes()
		if err != nil {
			return Message{}, err
		}
		ret.Nodes = nodes
	}
	if tokVal, ok := rDict["token"]; ok {
		tok, err := tokVal.AsBytes()
		if err != nil {
			return Message{}, err
		}
		ret.Token = tok
	}
	if valuesVal, ok := rDict["values"]; ok {
		list, err := valuesVal.AsList()
		if err != nil {
			return Message{}, err
		}
		values := make([][]byte, 0, len(list))
		for _, item := range list {
			b, err := item.AsBytes()
			if err != nil {
				return Message{}, err
			}
			values = append(values, b)
		}
		ret.Values = values
	}
	m.R = ret
	return m, nil
}

func decodeError(dict map[string]bencode.Value, m Message) (Message, error) {
	eVal, ok := dict["e"]
	if !ok {
		return Message{}, errMissing("e")
	}
	list, err := eVal.AsList()
	if err != nil || len(list) != 2 {
		return Message{}, bterr.ErrProtocolViolation
	}
	code, err := list[0].AsInt()
	if err != nil {
		return Message{}, err
	}
	msgBytes, err := list[1].AsBytes()
	if err != nil {
		return Message{}, err
	}
	m.ECode = code
	m.EMsg = string(msgBytes)
	return m, nil
}

func requireBytes(d map[string]bencode.Value, key string) ([]byte, error) {
	v, ok := d[key]
	if !ok {
		return nil, errMissing(key)
	}
	return v.AsBytes()
}

func errMissing(field string) error {
	return bterr.NewBencodeError(0, "missing required field \""+field+"\"")
}
