package test

import (
	"net"
	"testing"
	"time"

	"stream-rpc/client"
	"stream-rpc/codec"
	"stream-rpc/loadbalance"
	"stream-rpc/message"
	"stream-rpc/registry"
	"stream-rpc/server"
)

func setupServerAndClient(b *testing.B) (*server.Server, *client.Client) {
	b.Helper()
	svr := server.NewServer()
	if err := svr.Register(&OrderService{}); err != nil {
		b.Fatal(err)
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		b.Fatal(err)
	}
	addr := listener.Addr().String()
	listener.Close()

	go svr.Serve("tcp", addr, addr, nil)
	time.Sleep(100 * time.Millisecond)

	reg := NewMockRegistry()
	reg.Register("OrderService", registry.ServiceInstance{Addr: addr}, 10)

	cli := client.NewClient(reg, &loadbalance.RoundRobinBalancer{}, byte(codec.CodecTypeJSON), 8)
	return svr, cli
}

func BenchmarkSerialCall(b *testing.B) {
	svr, cli := setupServerAndClient(b)
	b.Cleanup(func() { svr.Shutdown(3 * time.Second) })

	args := &OrderArgs{Item: "widget", Count: 2}
	reply := &OrderReply{}
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if err := cli.Call("OrderService.Place", args, reply); err != nil {
			b.Fatal(err)
		}
	}
}

// Concurrent callers share pooled multiplexed connections.
func BenchmarkConcurrentCall(b *testing.B) {
	svr, cli := setupServerAndClient(b)
	b.Cleanup(func() { svr.Shutdown(3 * time.Second) })

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		args := &OrderArgs{Item: "widget", Count: 2}
		reply := &OrderReply{}
		for pb.Next() {
			if err := cli.Call("OrderService.Place", args, reply); err != nil {
				b.Error(err)
				return
			}
		}
	})
}

// Pure codec cost, no network.
func BenchmarkCodecJSON(b *testing.B) {
	cdc := codec.GetCodec(codec.CodecTypeJSON)
	msg := &message.RPCMessage{
		ServiceMethod: "OrderService.Place",
		Payload:       []byte(`{"Item":"widget","Count":2}`),
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		data, _ := cdc.Encode(msg)
		var out message.RPCMessage
		cdc.Decode(data, &out)
	}
}

func BenchmarkCodecBinary(b *testing.B) {
	cdc := codec.GetCodec(codec.CodecTypeBinary)
	msg := &message.RPCMessage{
		ServiceMethod: "OrderService.Place",
		Payload:       []byte(`{"Item":"widget","Count":2}`),
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		data, _ := cdc.Encode(msg)
		var out message.RPCMessage
		cdc.Decode(data, &out)
	}
}
