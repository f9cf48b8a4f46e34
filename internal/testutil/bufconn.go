package testutil

import (
	"context"
	"net"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

// BufconnTarget is the client target to use with BufconnDialOptions. The
// passthrough scheme keeps grpc.NewClient from resolving the name.
const BufconnTarget = "passthrough:///bufnet"

// NewBufconnListener returns a new bufconn.Listener with a sensible default buffer size.
func NewBufconnListener(bufferSize int) *bufconn.Listener {
	if bufferSize <= 0 {
		bufferSize = 1024 * 1024
	}
	return bufconn.Listen(bufferSize)
}

// BufconnDialOptions returns insecure dial options that connect to lis.
// Callers can append additional DialOptions as needed.
func BufconnDialOptions(lis *bufconn.Listener) []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
}

// ServeBufconn runs serve on a fresh bufconn listener until the test ends.
func ServeBufconn(t testing.TB, serve func(net.Listener) error) *bufconn.Listener {
	t.Helper()
	lis := NewBufconnListener(0)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := serve(lis); err != nil {
			t.Logf("bufconn server stopped: %v", err)
		}
	}()
	t.Cleanup(func() {
		lis.Close()
		<-done
	})
	return lis
}
