package lock

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"
)

func unusedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

func TestAcquireUnreachableRedis(t *testing.T) {
	r := NewRedis(Config{Addr: unusedAddr(t)})
	defer r.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	release, err := r.Acquire(ctx, "dip-bot:cycle", time.Minute)
	if err == nil {
		release()
		t.Fatalf("expected error for unreachable redis")
	}
	if errors.Is(err, ErrLockHeld) {
		t.Fatalf("unreachable redis must not look like a held lock")
	}
	if r.Ping(ctx) == nil {
		t.Fatalf("expected ping failure")
	}
}

func TestKeepAliveExtendsUntilStopped(t *testing.T) {
	var calls atomic.Int32
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		keepAlive(stop, 5*time.Millisecond, func() (bool, error) {
			calls.Add(1)
			return true, nil
		})
		close(done)
	}()
	deadline := time.After(2 * time.Second)
	for calls.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("expected repeated extensions, got %d", calls.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
	close(stop)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("keepAlive did not stop")
	}
}

func TestKeepAliveStopsWhenLockLost(t *testing.T) {
	var calls atomic.Int32
	done := make(chan struct{})
	go func() {
		keepAlive(make(chan struct{}), 5*time.Millisecond, func() (bool, error) {
			if calls.Add(1) == 1 {
				return false, errors.New("redis timeout")
			}
			return false, nil
		})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("keepAlive kept running after the lock was lost")
	}
	if calls.Load() != 2 {
		t.Fatalf("expected a retry after the transient error, got %d calls", calls.Load())
	}
}
