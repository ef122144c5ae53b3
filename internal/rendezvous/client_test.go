package rendezvous

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// echoRelay upgrades and drains inbound messages until the peer goes away.
func echoRelay(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func dialTest(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c, err := Dial(context.Background(), wsURL, logger)
	require.NoError(t, err)
	return c
}

func TestClientSendAfterClose(t *testing.T) {
	srv := echoRelay(t)
	defer srv.Close()
	c := dialTest(t, srv)

	env, err := NewEnvelope(TypeCreate, "", nil)
	require.NoError(t, err)
	require.NoError(t, c.Send(env))

	require.NoError(t, c.Close())
	for i := 0; i < 100; i++ {
		require.ErrorIs(t, c.Send(env), ErrClientClosed)
	}
	// Close is idempotent.
	require.NoError(t, c.Close())
}

// Candidate forwarding runs on the peer connection's goroutines and can
// overlap teardown; that overlap must error out, never panic.
func TestClientSendRacesClose(t *testing.T) {
	srv := echoRelay(t)
	defer srv.Close()
	c := dialTest(t, srv)

	env, err := NewEnvelope(TypeCandidate, "sess", Candidate{Candidate: "cand"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				if sendErr := c.Send(env); sendErr != nil {
					require.ErrorIs(t, sendErr, ErrClientClosed)
					return
				}
			}
		}()
	}
	require.NoError(t, c.Close())
	wg.Wait()
}
