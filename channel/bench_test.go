package channel

import (
	"context"
	"testing"

	"coro-rpc/loadbalance"
)

func setupChannel(b *testing.B) *Channel {
	svr := startServer(b, "127.0.0.1:0")
	opts := testOptions(b, loadbalance.RoundRobin)
	return newChannelT(b, []string{svr.Addr().String()}, opts, nil)
}

// 场景1: 单 goroutine 串行调用
func BenchmarkSerialCall(b *testing.B) {
	ch := setupChannel(b)
	args := &Args{A: 1, B: 2}
	reply := &Reply{}
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if err := ch.Call(context.Background(), "Arith.Add", reply, args); err != nil {
			b.Fatal(err)
		}
	}
}

// 场景2: 多 goroutine 并发调用（每个 goroutine 从池中取独立连接）
func BenchmarkConcurrentCall(b *testing.B) {
	ch := setupChannel(b)
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		args := &Args{A: 1, B: 2}
		reply := &Reply{}
		for pb.Next() {
			if err := ch.Call(context.Background(), "Arith.Add", reply, args); err != nil {
				b.Error(err)
				return
			}
		}
	})
}
