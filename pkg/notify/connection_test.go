package notify

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// socketPair returns the server side of a live websocket and the client
// dialed to it
func socketPair(t *testing.T) (*websocket.Conn, *websocket.Conn) {
	t.Helper()
	serverSide := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverSide <- ws
	}))
	t.Cleanup(srv.Close)

	client, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { client.Close() })

	select {
	case ws := <-serverSide:
		return ws, client
	case <-time.After(2 * time.Second):
		t.Fatal("server side never upgraded")
		return nil, nil
	}
}

func TestConnection_SlowConsumerIsDisconnected(t *testing.T) {
	ws, client := socketPair(t)

	var overflows int32
	conn := NewConnection(1, ws, 1, time.Minute)
	conn.onOverflow = func() { atomic.AddInt32(&overflows, 1) }

	// The write loop is not started, so the buffer never drains
	require.NoError(t, conn.Send([]byte(`{"type":"alert"}`)))
	assert.Error(t, conn.Send([]byte(`{"type":"alert"}`)))
	assert.Equal(t, int32(1), atomic.LoadInt32(&overflows))

	select {
	case <-conn.Done():
	default:
		t.Fatal("connection still open")
	}
	assert.ErrorIs(t, conn.Send([]byte("{}")), ErrConnectionClosed)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := client.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, CloseSlowConsumer), "got %v", err)
}

func TestConnection_WritesInOrder(t *testing.T) {
	ws, client := socketPair(t)

	conn := NewConnection(1, ws, 4, time.Minute)
	conn.Start()
	defer conn.Close(websocket.CloseNormalClosure, "")

	for _, msg := range []string{"one", "two", "three"} {
		require.NoError(t, conn.Send([]byte(msg)))
	}
	for _, want := range []string{"one", "two", "three"} {
		require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := client.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, want, string(data))
	}
}

func TestConnection_CloseIsIdempotent(t *testing.T) {
	ws, _ := socketPair(t)
	conn := NewConnection(1, ws, 1, time.Minute)
	conn.Start()

	conn.Close(websocket.CloseNormalClosure, "")
	conn.Close(websocket.CloseGoingAway, "")
	<-conn.Done()
}
