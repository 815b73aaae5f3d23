package krpc

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kadcrawl/kadcrawl/internal/dhtid"
)

func TestQueryReplyRoundTrip(t *testing.T) {
	var server *Transport
	handler := func(addr *net.UDPAddr, msg Message) {
		require.Equal(t, QueryFindNode, msg.Q)
		reply := Message{
			TID:  msg.TID,
			Type: TypeResponse,
			R:    &Return{ID: dhtid.Random()},
		}
		_ = server.Reply(addr, reply)
	}

	server, err := New("127.0.0.1:0", handler, nil)
	require.NoError(t, err)
	defer server.Close()

	client, err := New("127.0.0.1:0", nil, nil)
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.Serve(ctx)
	go client.Serve(ctx)

	serverAddr := server.LocalAddr().(*net.UDPAddr)

	ownID := dhtid.Random()
	target := dhtid.Random()
	query := Message{
		Type: TypeQuery,
		Q:    QueryFindNode,
		A:    &Args{ID: ownID, Target: target},
	}

	resp, err := client.Query(ctx, serverAddr, query)
	require.NoError(t, err)
	require.Equal(t, TypeResponse, resp.Type)
	require.NotNil(t, resp.R)
}
