package ocpp

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoCentral answers Heartbeat calls and ignores everything else.
func echoCentral(ctx context.Context, frame []byte) []byte {
	msg, err := Decode(frame)
	if err != nil || msg.Action != ActionHeartbeat {
		return nil
	}
	out, _ := EncodeCallResult(msg.UniqueID, core.NewHeartbeatConfirmation(types.NewDateTime(time.Now())))
	return out
}

func startPeers(t *testing.T, timeout time.Duration, handler FrameHandler) (*Peer, *Peer) {
	t.Helper()
	a, b := Pipe()
	client := NewPeer("CP_1", a, timeout)
	server := NewPeer("CP_1", b, timeout)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go client.Serve(ctx, nil)
	go server.Serve(ctx, handler)
	return client, server
}

func TestPeerSendCallResolves(t *testing.T) {
	client, _ := startPeers(t, time.Second, echoCentral)

	resp, err := client.SendCall(context.Background(), ActionHeartbeat, core.NewHeartbeatRequest())
	require.NoError(t, err)
	conf, ok := resp.(*core.HeartbeatConfirmation)
	require.True(t, ok)
	assert.NotNil(t, conf.CurrentTime)
	assert.Zero(t, client.Pending())
}

func TestPeerSendCallTimeout(t *testing.T) {
	client, _ := startPeers(t, 50*time.Millisecond, echoCentral)

	_, err := client.SendCall(context.Background(), ActionAuthorize, core.NewAuthorizationRequest("ABC123"))
	assert.True(t, errors.Is(err, ErrRequestTimeout))
	assert.Zero(t, client.Pending(), "expired entries are removed")

	_, err = client.SendCall(context.Background(), ActionHeartbeat, core.NewHeartbeatRequest())
	assert.NoError(t, err, "peer survives a timeout")
}

func TestPeerCallError(t *testing.T) {
	client, _ := startPeers(t, time.Second, func(ctx context.Context, frame []byte) []byte {
		msg, err := Decode(frame)
		if !assert.NoError(t, err) {
			return nil
		}
		out, _ := EncodeCallError(msg.UniqueID, GenericError, "nope", nil)
		return out
	})

	_, err := client.SendCall(context.Background(), ActionHeartbeat, core.NewHeartbeatRequest())
	var cerr *CallError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, GenericError, cerr.Code)
	assert.Equal(t, "nope", cerr.Description)
}

func TestPeerCloseCancelsPending(t *testing.T) {
	client, _ := startPeers(t, 10*time.Second, func(context.Context, []byte) []byte { return nil })

	errc := make(chan error, 1)
	go func() {
		_, err := client.SendCall(context.Background(), ActionHeartbeat, core.NewHeartbeatRequest())
		errc <- err
	}()
	require.Eventually(t, func() bool { return client.Pending() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, client.Close())
	select {
	case err := <-errc:
		assert.True(t, errors.Is(err, ErrCancelled))
	case <-time.After(time.Second):
		t.Fatal("pending call was not cancelled")
	}

	_, err := client.SendCall(context.Background(), ActionHeartbeat, core.NewHeartbeatRequest())
	assert.Error(t, err)
}

func TestPeerContextCancel(t *testing.T) {
	client, _ := startPeers(t, 10*time.Second, func(context.Context, []byte) []byte { return nil })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := client.SendCall(ctx, ActionHeartbeat, core.NewHeartbeatRequest())
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Zero(t, client.Pending())
}

func TestPeerRepliesInOrder(t *testing.T) {
	a, b := Pipe()
	server := NewPeer("CP_1", b, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.Serve(ctx, echoCentral)

	for _, id := range []string{"1", "2", "3"} {
		frame, err := EncodeCall(id, ActionHeartbeat, core.NewHeartbeatRequest())
		require.NoError(t, err)
		require.NoError(t, a.WriteMessage(frame))
	}
	for _, id := range []string{"1", "2", "3"} {
		frame, err := a.ReadMessage()
		require.NoError(t, err)
		msg, err := Decode(frame)
		require.NoError(t, err)
		assert.Equal(t, id, msg.UniqueID)
	}
}

func TestPipeCloseClosesBothEnds(t *testing.T) {
	a, b := Pipe()
	require.NoError(t, a.Close())
	_, err := b.ReadMessage()
	assert.True(t, IsClosed(err))
	assert.True(t, IsClosed(b.WriteMessage([]byte("x"))))
}
