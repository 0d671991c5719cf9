package observability

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShutdownManager_ReverseOrder(t *testing.T) {
	sm := NewShutdownManager(NewNopLogger(), time.Second)

	var order []string
	sm.RegisterShutdownFunc("database", func(context.Context) error {
		order = append(order, "database")
		return nil
	})
	sm.RegisterShutdownFunc("hub", func(context.Context) error {
		order = append(order, "hub")
		return nil
	})

	require.NoError(t, sm.Shutdown(context.Background()))
	assert.Equal(t, []string{"hub", "database"}, order)
}

func TestShutdownManager_CollectsErrors(t *testing.T) {
	sm := NewShutdownManager(NewNopLogger(), time.Second)
	boom := errors.New("boom")

	ran := false
	sm.RegisterShutdownFunc("first", func(context.Context) error {
		ran = true
		return nil
	})
	sm.RegisterShutdownFunc("broken", func(context.Context) error { return boom })

	err := sm.Shutdown(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.True(t, ran, "later failures must not skip earlier cleanup")
}

func TestShutdownManager_StopsServers(t *testing.T) {
	server := &http.Server{Addr: "127.0.0.1:0"}
	sm := NewShutdownManager(NewNopLogger(), time.Second, server)

	require.NoError(t, sm.Shutdown(context.Background()))
	assert.ErrorIs(t, server.ListenAndServe(), http.ErrServerClosed)
}

func TestShutdownManager_WaitForShutdownOnContext(t *testing.T) {
	sm := NewShutdownManager(NewNopLogger(), time.Second)
	called := make(chan struct{})
	sm.RegisterShutdownFunc("hub", func(context.Context) error {
		close(called)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, sm.WaitForShutdown(ctx))
	select {
	case <-called:
	default:
		t.Fatal("shutdown func was not called")
	}
}
