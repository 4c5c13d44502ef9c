package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolkenwelten/wolkenwelten-ts-sub001/internal/protocol"
)

func decodePacket(t *testing.T, b []byte) *protocol.Packet {
	t.Helper()
	m, err := protocol.Decode(b)
	require.NoError(t, err)
	pkt, ok := m.(*protocol.Packet)
	require.True(t, ok, "expected packet, got %T", m)
	return pkt
}

func TestCall_IDsStartAtOneAndIncrease(t *testing.T) {
	q := NewQueue()
	a := q.Call("foo", 1, 2)
	b := q.Call("bar")
	c := q.Call("foo", "x")

	assert.Equal(t, uint64(1), a.ID)
	assert.Equal(t, uint64(2), b.ID)
	assert.Equal(t, uint64(3), c.ID)
	assert.Equal(t, 3, q.PendingCount())
}

func TestCall_RoundTrip(t *testing.T) {
	ctx := context.Background()
	q := NewQueue()
	p := q.Call("foo", 1, 2)

	pkt := decodePacket(t, mustFlush(t, q))
	require.Len(t, pkt.Calls, 1)
	assert.Equal(t, "foo", pkt.Calls[0].T)
	assert.JSONEq(t, "1", string(pkt.Calls[0].Args[0]))
	assert.JSONEq(t, "2", string(pkt.Calls[0].Args[1]))

	ok := q.HandleReply(protocol.Reply{T: "foo", ID: p.ID, Value: json.RawMessage(`3`)})
	require.True(t, ok)

	var sum int
	require.NoError(t, p.Decode(ctx, &sum))
	assert.Equal(t, 3, sum)
	assert.Equal(t, 0, q.PendingCount())
}

func TestCall_RemoteErrorRejects(t *testing.T) {
	q := NewQueue()
	p := q.Call("foo")
	require.True(t, q.HandleReply(protocol.Reply{T: "foo", ID: p.ID, Error: protocol.ErrGeneric}))

	_, err := p.Wait(context.Background())
	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, protocol.ErrGeneric, re.Code)
	assert.Equal(t, "foo", re.Method)
}

func TestHandleReply_UnknownIsDropped(t *testing.T) {
	q := NewQueue()
	p := q.Call("foo")
	assert.False(t, q.HandleReply(protocol.Reply{T: "foo", ID: 99}))

	require.True(t, q.HandleReply(protocol.Reply{T: "foo", ID: p.ID, Value: json.RawMessage(`null`)}))
	assert.False(t, q.HandleReply(protocol.Reply{T: "foo", ID: p.ID, Value: json.RawMessage(`1`)}), "second reply for the same id")
}

func TestCall_MarshalFailureRejects(t *testing.T) {
	q := NewQueue()
	p := q.Call("foo", make(chan int))
	select {
	case <-p.Done():
	default:
		t.Fatal("expected rejected pending")
	}
	_, err := p.Result()
	require.Error(t, err)
	assert.True(t, q.Empty())
}

func TestFlush_AtomicAndOrdered(t *testing.T) {
	q := NewQueue()
	q.Call("a")
	q.Call("b")
	q.Call("c")
	q.enqueueReply(protocol.Reply{T: "x", ID: 7})
	q.enqueueReply(protocol.Reply{T: "y", ID: 8})

	pkt := decodePacket(t, mustFlush(t, q))
	require.Len(t, pkt.Calls, 3)
	require.Len(t, pkt.Replies, 2)
	assert.Equal(t, []string{"a", "b", "c"}, []string{pkt.Calls[0].T, pkt.Calls[1].T, pkt.Calls[2].T})
	assert.Equal(t, uint64(7), pkt.Replies[0].ID)
	assert.Equal(t, uint64(8), pkt.Replies[1].ID)

	assert.True(t, q.Empty())
	b := mustFlush(t, q)
	assert.JSONEq(t, `{"T":"packet","calls":[],"replies":[]}`, string(b))
}

func TestHandleCall_Reply(t *testing.T) {
	q := NewQueue()
	q.RegisterCallHandler("add", func(_ context.Context, args []json.RawMessage) (any, error) {
		var a, b int
		if err := json.Unmarshal(args[0], &a); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(args[1], &b); err != nil {
			return nil, err
		}
		return a + b, nil
	})

	require.NoError(t, q.HandleCall(context.Background(), protocol.Call{T: "add", ID: 5, Args: []json.RawMessage{[]byte("2"), []byte("3")}}))
	q.Wait()

	pkt := decodePacket(t, mustFlush(t, q))
	require.Len(t, pkt.Replies, 1)
	assert.Equal(t, uint64(5), pkt.Replies[0].ID)
	assert.Equal(t, "add", pkt.Replies[0].T)
	assert.JSONEq(t, "5", string(pkt.Replies[0].Value))
	assert.Empty(t, pkt.Replies[0].Error)
}

func TestHandleCall_MissingHandler(t *testing.T) {
	q := NewQueue()
	err := q.HandleCall(context.Background(), protocol.Call{T: "nope", ID: 1})
	require.ErrorIs(t, err, ErrNoHandler)
	q.Wait()
	assert.True(t, q.Empty(), "no reply for a missing handler")
}

func TestHandleCall_FailuresReplyWithMarker(t *testing.T) {
	q := NewQueue()
	q.RegisterCallHandler("fail", func(context.Context, []json.RawMessage) (any, error) {
		return nil, errors.New("boom")
	})
	q.RegisterCallHandler("panic", func(context.Context, []json.RawMessage) (any, error) {
		panic("kaboom")
	})
	q.RegisterCallHandler("unmarshalable", func(context.Context, []json.RawMessage) (any, error) {
		return func() {}, nil
	})

	ctx := context.Background()
	require.NoError(t, q.HandleCall(ctx, protocol.Call{T: "fail", ID: 1}))
	require.NoError(t, q.HandleCall(ctx, protocol.Call{T: "panic", ID: 2}))
	require.NoError(t, q.HandleCall(ctx, protocol.Call{T: "unmarshalable", ID: 3}))
	q.Wait()

	pkt := decodePacket(t, mustFlush(t, q))
	require.Len(t, pkt.Replies, 3)
	for _, r := range pkt.Replies {
		assert.Equal(t, protocol.ErrGeneric, r.Error, "reply %d", r.ID)
	}
}

func TestRegisterCallHandler_LastWins(t *testing.T) {
	q := NewQueue()
	q.RegisterCallHandler("v", Handle0(func(context.Context) (int, error) { return 1, nil }))
	q.RegisterCallHandler("v", Handle0(func(context.Context) (int, error) { return 2, nil }))
	require.NoError(t, q.HandleCall(context.Background(), protocol.Call{T: "v", ID: 1}))
	q.Wait()

	pkt := decodePacket(t, mustFlush(t, q))
	require.Len(t, pkt.Replies, 1)
	assert.JSONEq(t, "2", string(pkt.Replies[0].Value))

	q.UnregisterCallHandler("v")
	require.ErrorIs(t, q.HandleCall(context.Background(), protocol.Call{T: "v", ID: 2}), ErrNoHandler)
}

func TestHandlePacket_ContinuesAfterFailure(t *testing.T) {
	q := NewQueue()
	q.RegisterCallHandler("ok", Handle0(func(context.Context) (string, error) { return "fine", nil }))
	p := q.Call("remote")

	err := q.HandlePacket(context.Background(), &protocol.Packet{
		Calls: []protocol.Call{
			{T: "missing", ID: 1},
			{T: "ok", ID: 2},
		},
		Replies: []protocol.Reply{{T: "remote", ID: p.ID, Value: json.RawMessage(`true`)}},
	})
	require.ErrorIs(t, err, ErrNoHandler)
	q.Wait()

	pkt := decodePacket(t, mustFlush(t, q))
	require.Len(t, pkt.Replies, 1)
	assert.Equal(t, uint64(2), pkt.Replies[0].ID)

	var v bool
	require.NoError(t, p.Decode(context.Background(), &v))
	assert.True(t, v)
}

func TestQueues_TalkToEachOther(t *testing.T) {
	ctx := context.Background()
	client := NewQueue()
	server := NewQueue()
	server.RegisterCallHandler(protocol.MethodGetPlayerID, Handle0(func(context.Context) (int, error) { return 42, nil }))

	p := client.Call(protocol.MethodGetPlayerID)
	require.NoError(t, server.HandlePacket(ctx, decodePacket(t, mustFlush(t, client))))
	server.Wait()
	require.NoError(t, client.HandlePacket(ctx, decodePacket(t, mustFlush(t, server))))

	var id int
	require.NoError(t, p.Decode(ctx, &id))
	assert.Equal(t, 42, id)
}

func TestSweep_RejectsExpiredCalls(t *testing.T) {
	now := time.Unix(1000, 0)
	q := NewQueue(WithCallTimeout(time.Second), WithClock(func() time.Time { return now }))
	p := q.Call("slow")

	assert.Equal(t, 0, q.Sweep(now.Add(500*time.Millisecond)))
	assert.Equal(t, 1, q.Sweep(now.Add(2*time.Second)))

	_, err := p.Wait(context.Background())
	require.ErrorIs(t, err, ErrCallTimeout)
	assert.False(t, q.HandleReply(protocol.Reply{T: "slow", ID: p.ID}), "late reply is dropped")
}

func TestSweep_NoTimeoutKeepsCalls(t *testing.T) {
	q := NewQueue()
	q.Call("forever")
	assert.Equal(t, 0, q.Sweep(time.Now().Add(24*time.Hour)))
	assert.Equal(t, 1, q.PendingCount())
}

func TestClose_RejectsPendingAndFutureCalls(t *testing.T) {
	q := NewQueue()
	p := q.Call("a")
	gone := errors.New("socket gone")
	q.Close(gone)

	_, err := p.Wait(context.Background())
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, err, gone, "the cause stays inspectable")

	late := q.Call("b")
	_, err = late.Wait(context.Background())
	require.ErrorIs(t, err, ErrClosed)
	assert.True(t, q.Empty())

	q.Close(nil)
}

func TestPending_WaitHonoursContext(t *testing.T) {
	q := NewQueue()
	p := q.Call("never")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := p.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func mustFlush(t *testing.T, q *Queue) []byte {
	t.Helper()
	b, err := q.Flush()
	require.NoError(t, err)
	return b
}
