package server

import (
	"encoding/json"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stream-rpc/codec"
	"stream-rpc/message"
	"stream-rpc/protocol"
)

type Args struct {
	A, B int
}

type Reply struct {
	Sum int
}

type Arith struct {
	calls atomic.Int64
	delay time.Duration
}

func (a *Arith) Add(args *Args, reply *Reply) error {
	a.calls.Add(1)
	if a.delay > 0 {
		time.Sleep(a.delay)
	}
	reply.Sum = args.A + args.B
	return nil
}

func startTestServer(t *testing.T, svc any) (*Server, string) {
	t.Helper()
	svr := NewServer()
	require.NoError(t, svr.Register(svc))

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	listener.Close()

	go svr.Serve("tcp", addr, addr, nil)
	time.Sleep(100 * time.Millisecond)

	t.Cleanup(func() { svr.Shutdown(time.Second) })
	return svr, addr
}

// sendRequest frames one request attempt on conn and returns the response
// frame for it.
func sendRequest(t *testing.T, conn net.Conn, seq uint32, id message.RequestID, serviceMethod string, args any) (*protocol.Header, []byte) {
	t.Helper()

	payload, err := json.Marshal(args)
	require.NoError(t, err)
	body, err := (&codec.JSONCodec{}).Encode(&message.RPCMessage{
		ServiceMethod: serviceMethod,
		Payload:       payload,
	})
	require.NoError(t, err)

	header := protocol.Header{
		CodecType: byte(codec.CodecTypeJSON),
		MsgType:   protocol.MsgTypeRequest,
		Seq:       seq,
		RequestID: id.Bytes(),
		BodyLen:   uint32(len(body)),
	}
	require.NoError(t, protocol.Encode(conn, &header, body))

	respHeader, respBody, err := protocol.Decode(conn)
	require.NoError(t, err)
	return respHeader, respBody
}

func decodeReply(t *testing.T, body []byte, compressed bool, out any) byte {
	t.Helper()
	status, payload, err := protocol.DecodeResponseRecord(body, compressed)
	require.NoError(t, err)
	if out != nil && status == protocol.StatusOK {
		require.NoError(t, json.Unmarshal(payload, out))
	}
	return status
}

func TestServeAndCall(t *testing.T) {
	_, addr := startTestServer(t, &Arith{})

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	id := message.NewRequestID()
	respHeader, respBody := sendRequest(t, conn, 1, id, "Arith.Add", &Args{A: 3, B: 4})

	assert.Equal(t, protocol.MsgTypeResponse, respHeader.MsgType)
	assert.Equal(t, uint32(1), respHeader.Seq)
	assert.Equal(t, id.Bytes(), respHeader.RequestID)

	var reply Reply
	status := decodeReply(t, respBody, true, &reply)
	assert.Equal(t, protocol.StatusOK, status)
	assert.Equal(t, 7, reply.Sum)
}

func TestUnknownServiceFault(t *testing.T) {
	_, addr := startTestServer(t, &Arith{})

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, respBody := sendRequest(t, conn, 1, message.NewRequestID(), "Nope.Add", &Args{})

	status, payload, err := protocol.DecodeResponseRecord(respBody, true)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusFault, status)

	var fault message.Fault
	require.NoError(t, json.Unmarshal(payload, &fault))
	assert.Contains(t, fault.Message, "unknown service")
}

func TestUncompressedResponses(t *testing.T) {
	svr := NewServer()
	svr.SetCompressed(false)
	require.NoError(t, svr.Register(&Arith{}))

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	listener.Close()
	go svr.Serve("tcp", addr, addr, nil)
	time.Sleep(100 * time.Millisecond)
	defer svr.Shutdown(time.Second)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, respBody := sendRequest(t, conn, 1, message.NewRequestID(), "Arith.Add", &Args{A: 1, B: 2})

	var reply Reply
	status := decodeReply(t, respBody, false, &reply)
	assert.Equal(t, protocol.StatusOK, status)
	assert.Equal(t, 3, reply.Sum)
}

// Two attempts at the same logical request on one connection: the method runs
// once, both attempts get the stored result.
func TestDuplicateAttemptExecutesOnce(t *testing.T) {
	arith := &Arith{delay: 200 * time.Millisecond}
	_, addr := startTestServer(t, arith)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	id := message.NewRequestID()
	payload, err := json.Marshal(&Args{A: 5, B: 6})
	require.NoError(t, err)
	body, err := (&codec.JSONCodec{}).Encode(&message.RPCMessage{
		ServiceMethod: "Arith.Add",
		Payload:       payload,
	})
	require.NoError(t, err)

	for seq := uint32(1); seq <= 2; seq++ {
		header := protocol.Header{
			CodecType: byte(codec.CodecTypeJSON),
			MsgType:   protocol.MsgTypeRequest,
			Seq:       seq,
			RequestID: id.Bytes(),
			BodyLen:   uint32(len(body)),
		}
		require.NoError(t, protocol.Encode(conn, &header, body))
	}

	replies := make(map[uint32]Reply)
	for i := 0; i < 2; i++ {
		respHeader, respBody, err := protocol.Decode(conn)
		require.NoError(t, err)
		var reply Reply
		status := decodeReply(t, respBody, true, &reply)
		assert.Equal(t, protocol.StatusOK, status)
		replies[respHeader.Seq] = reply
	}

	assert.Equal(t, int64(1), arith.calls.Load())
	assert.Equal(t, Reply{Sum: 11}, replies[1])
	assert.Equal(t, Reply{Sum: 11}, replies[2])
}

func TestHeartbeatIgnored(t *testing.T) {
	_, addr := startTestServer(t, &Arith{})

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	hb := protocol.Header{
		CodecType: byte(codec.CodecTypeJSON),
		MsgType:   protocol.MsgTypeHeartbeat,
	}
	require.NoError(t, protocol.Encode(conn, &hb, nil))

	// The connection must survive the heartbeat and still serve calls.
	var reply Reply
	_, respBody := sendRequest(t, conn, 1, message.NewRequestID(), "Arith.Add", &Args{A: 2, B: 2})
	status := decodeReply(t, respBody, true, &reply)
	assert.Equal(t, protocol.StatusOK, status)
	assert.Equal(t, 4, reply.Sum)
}

func TestZeroRequestIDDropped(t *testing.T) {
	_, addr := startTestServer(t, &Arith{})

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	// Attempt with a zero id gets no response; a follow-up valid call on the
	// same connection still works.
	payload, _ := json.Marshal(&Args{A: 1, B: 1})
	body, err := (&codec.JSONCodec{}).Encode(&message.RPCMessage{
		ServiceMethod: "Arith.Add",
		Payload:       payload,
	})
	require.NoError(t, err)
	header := protocol.Header{
		CodecType: byte(codec.CodecTypeJSON),
		MsgType:   protocol.MsgTypeRequest,
		Seq:       1,
		BodyLen:   uint32(len(body)),
	}
	require.NoError(t, protocol.Encode(conn, &header, body))

	respHeader, respBody := sendRequest(t, conn, 2, message.NewRequestID(), "Arith.Add", &Args{A: 2, B: 3})
	assert.Equal(t, uint32(2), respHeader.Seq)

	var reply Reply
	decodeReply(t, respBody, true, &reply)
	assert.Equal(t, 5, reply.Sum)
}

func TestRegisterRejectsInvalidReceivers(t *testing.T) {
	svr := NewServer()
	assert.Error(t, svr.Register(42))
	assert.Error(t, svr.Register(struct{}{}))

	type NoMethods struct{}
	assert.Error(t, svr.Register(&NoMethods{}))
}

func TestReaperRemovesExpiredContexts(t *testing.T) {
	svr := NewServer()
	svr.SetLifetimes(Lifetimes{GraceAfterFinish: 10 * time.Millisecond, MaxLifetime: time.Minute})

	id := message.NewRequestID()
	rctx := svr.contextFor(id)
	inv := newTestInvocator()
	rctx.SetReadingParametersState(inv)
	require.NoError(t, rctx.SetInvokingMethodState(inv))
	rctx.SetReturnValue("done", false)

	time.Sleep(20 * time.Millisecond)
	removed := svr.reapExpired()
	assert.Equal(t, 1, removed)

	svr.ctxMu.Lock()
	_, ok := svr.contexts[id]
	svr.ctxMu.Unlock()
	assert.False(t, ok)
}
