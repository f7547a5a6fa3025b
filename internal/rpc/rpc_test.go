package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thrillee/aegisroute/pkg/codes"
)

type fixedAuth struct{ user, pass string }

func (a fixedAuth) Authenticate(_ context.Context, u, p string) error {
	if u != a.user || p != a.pass {
		return codes.New(codes.KindAuthentication, "bad credentials")
	}
	return nil
}

type echoParams struct {
	Text string `json:"text"`
}

func newTestServer(t *testing.T, auth Authenticator, opts ...ServerOption) (*Server, string) {
	t.Helper()
	srv := NewServer("test", auth, opts...)
	srv.Handle("echo", func(_ context.Context, params json.RawMessage) (any, error) {
		var p echoParams
		if err := Decode(params, &p); err != nil {
			return nil, err
		}
		return p, nil
	})
	srv.Handle("fail", func(context.Context, json.RawMessage) (any, error) {
		return nil, codes.New(codes.KindNotFound, "no such thing")
	})
	srv.Handle("boom", func(context.Context, json.RawMessage) (any, error) {
		panic("kaboom")
	})
	hs := httptest.NewServer(srv)
	t.Cleanup(func() {
		_ = srv.Close()
		hs.Close()
	})
	return srv, "ws" + strings.TrimPrefix(hs.URL, "http")
}

func TestRoundTrip(t *testing.T) {
	_, url := newTestServer(t, fixedAuth{"admin", "pw"})
	ctx := context.Background()

	c, err := Dial(ctx, url, "admin", "pw")
	require.NoError(t, err)
	defer c.Close()
	assert.True(t, c.Connected())

	var out echoParams
	require.NoError(t, c.Call(ctx, "echo", echoParams{Text: "hello"}, &out))
	assert.Equal(t, "hello", out.Text)
}

func TestRejectedCredentials(t *testing.T) {
	_, url := newTestServer(t, fixedAuth{"admin", "pw"})

	_, err := Dial(context.Background(), url, "admin", "wrong")
	require.Error(t, err)
	assert.Equal(t, codes.KindAuthentication, codes.KindOf(err))

	_, err = Dial(context.Background(), url, "", "")
	assert.Equal(t, codes.KindAuthentication, codes.KindOf(err))
}

func TestAnonymousServer(t *testing.T) {
	_, url := newTestServer(t, nil)
	c, err := Dial(context.Background(), url, "", "")
	require.NoError(t, err)
	defer c.Close()

	var out echoParams
	require.NoError(t, c.Call(context.Background(), "echo", echoParams{Text: "x"}, &out))
	assert.Equal(t, "x", out.Text)
}

func TestStructuredErrors(t *testing.T) {
	_, url := newTestServer(t, nil)
	c, err := Dial(context.Background(), url, "", "")
	require.NoError(t, err)
	defer c.Close()
	ctx := context.Background()

	err = c.Call(ctx, "fail", nil, nil)
	var re *Error
	require.True(t, errors.As(err, &re))
	assert.Equal(t, string(codes.KindNotFound), re.Kind)
	assert.Equal(t, "no such thing", re.Message)
	assert.Equal(t, codes.KindNotFound, codes.KindOf(err))
	assert.ErrorIs(t, err, codes.ErrNotFound)

	err = c.Call(ctx, "missing", nil, nil)
	require.True(t, errors.As(err, &re))
	assert.Equal(t, KindMethodNotFound, re.Kind)

	err = c.Call(ctx, "echo", json.RawMessage(`"not an object"`), nil)
	require.True(t, errors.As(err, &re))
	assert.Equal(t, KindInvalidParams, re.Kind)

	err = c.Call(ctx, "boom", nil, nil)
	require.True(t, errors.As(err, &re))
	assert.Equal(t, string(codes.KindInternal), re.Kind)

	// the connection survives handler failures
	require.NoError(t, c.Call(ctx, "echo", echoParams{Text: "still here"}, nil))
}

func TestConcurrentCalls(t *testing.T) {
	_, url := newTestServer(t, nil, WithConcurrentRequests())
	c, err := Dial(context.Background(), url, "", "")
	require.NoError(t, err)
	defer c.Close()

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			want := strings.Repeat("a", i)
			var out echoParams
			if err := c.Call(context.Background(), "echo", echoParams{Text: want}, &out); err != nil {
				errs <- err
				return
			}
			if out.Text != want {
				errs <- errors.New("response matched to the wrong call")
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestServerCloseDisconnectsClients(t *testing.T) {
	srv, url := newTestServer(t, nil)
	c, err := Dial(context.Background(), url, "", "")
	require.NoError(t, err)

	require.NoError(t, srv.Close())
	assert.Eventually(t, func() bool { return !c.Connected() }, 2*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, c.Call(context.Background(), "echo", nil, nil), ErrNotConnected)
}

func TestCallWithoutConnect(t *testing.T) {
	c := NewClient("ws://127.0.0.1:1/", "", "")
	assert.ErrorIs(t, c.Call(context.Background(), "echo", nil, nil), ErrNotConnected)
	assert.False(t, c.Connected())
}
