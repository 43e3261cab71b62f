package rpcerr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"syscall"
	"testing"
)

func TestIsMatchesByCode(t *testing.T) {
	err := New(Timeout, "call 0x1 exceeded 50ms")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expect %v to match ErrTimeout", err)
	}
	if errors.Is(err, ErrNotConnected) {
		t.Fatalf("timeout must not match ErrNotConnected")
	}

	wrapped := fmt.Errorf("pool 127.0.0.1:1: %w", err)
	if !errors.Is(wrapped, ErrTimeout) {
		t.Fatalf("expect wrapped error to match ErrTimeout")
	}
}

func TestCodeOf(t *testing.T) {
	cases := []struct {
		err  error
		want Code
	}{
		{nil, OK},
		{New(InvalidArgument, "arity"), InvalidArgument},
		{fmt.Errorf("dial: %w", syscall.ECONNREFUSED), ConnectRefused},
		{context.DeadlineExceeded, Timeout},
		{context.Canceled, Canceled},
		{io.EOF, NotConnected},
		{errors.New("boom"), IOError},
	}
	for _, tc := range cases {
		if got := CodeOf(tc.err); got != tc.want {
			t.Errorf("CodeOf(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestIsTransport(t *testing.T) {
	if !IsTransport(New(NotConnected, "")) {
		t.Errorf("NotConnected must be a transport error")
	}
	if IsTransport(New(InvalidArgument, "")) {
		t.Errorf("InvalidArgument must not be a transport error")
	}
	if IsTransport(New(UserCodeBase+7, "out of stock")) {
		t.Errorf("application codes must not be transport errors")
	}
	if IsTransport(io.EOF) {
		t.Errorf("untyped errors must not be transport errors")
	}
	if !IsTransport(fmt.Errorf("pool: %w", New(ConnectRefused, "dial"))) {
		t.Errorf("wrapped transport errors must be recognized")
	}
}

func TestCodeString(t *testing.T) {
	if FunctionNotRegistered.String() != "function not registered" {
		t.Errorf("unexpected name %q", FunctionNotRegistered.String())
	}
	if got := (UserCodeBase + 1).String(); got != "application error 1001" {
		t.Errorf("unexpected name %q", got)
	}
}
