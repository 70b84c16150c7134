package transport_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/npezzotti/go-worksync/internal/testutil"
	"github.com/npezzotti/go-worksync/internal/transport"
	"github.com/npezzotti/go-worksync/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWSDialer_RoundTrip(t *testing.T) {
	ps := testutil.NewPushServer(t, "secret")
	d := transport.NewWSDialer(ps.URL(), testutil.TestLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	conn, err := d.Dial(ctx, "secret")
	require.NoError(t, err, "expected dial to succeed")
	defer conn.Close()

	select {
	case <-ps.Connected():
	case <-time.After(time.Second):
		t.Fatal("timeout: server did not see connection")
	}

	f, err := types.NewFrame("join:list", map[string]string{"id": "l1"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteFrame(f))

	select {
	case got := <-ps.Received():
		assert.Equal(t, "join:list", got.Event)
		assert.JSONEq(t, `{"id":"l1"}`, string(got.Data))
	case <-time.After(time.Second):
		t.Fatal("timeout: server did not receive frame")
	}

	require.NoError(t, ps.Push("user:offline", map[string]string{"userId": "u1"}))
	got, err := conn.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, "user:offline", got.Event)
	assert.JSONEq(t, `{"userId":"u1"}`, string(got.Data))
}

func TestWSDialer_Unauthorized(t *testing.T) {
	ps := testutil.NewPushServer(t, "secret")
	d := transport.NewWSDialer(ps.URL(), testutil.TestLogger(t))

	_, err := d.Dial(context.Background(), "wrong")
	require.Error(t, err)

	var hsErr *transport.HandshakeError
	require.True(t, errors.As(err, &hsErr), "expected HandshakeError, got %T", err)
	assert.Equal(t, 401, hsErr.StatusCode)
	assert.True(t, hsErr.Unauthorized())
}

func TestWSConn_CloseUnblocksRead(t *testing.T) {
	ps := testutil.NewPushServer(t, "")
	d := transport.NewWSDialer(ps.URL(), testutil.TestLogger(t))

	conn, err := d.Dial(context.Background(), "")
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := conn.ReadFrame()
		errCh <- err
	}()

	require.NoError(t, conn.Close())
	assert.NoError(t, conn.Close(), "expected second close to be a no-op")

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, transport.ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("timeout: read did not return after close")
	}

	assert.ErrorIs(t, conn.WriteFrame(types.Frame{Event: "x"}), transport.ErrClosed)
}

func TestWSConn_ServerDrop(t *testing.T) {
	ps := testutil.NewPushServer(t, "")
	d := transport.NewWSDialer(ps.URL(), testutil.TestLogger(t))

	conn, err := d.Dial(context.Background(), "")
	require.NoError(t, err)
	defer conn.Close()
	<-ps.Connected()

	ps.KillAll()

	_, err = conn.ReadFrame()
	assert.Error(t, err, "expected read to fail after server dropped the connection")
	assert.NotErrorIs(t, err, transport.ErrClosed)
}
