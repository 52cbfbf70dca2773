package txnclient

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFuture_ResolvedReturnsImmediately(t *testing.T) {
	f := Resolved(42, nil)
	v, err := f.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, 42, v)
}

func TestFuture_SettleUnblocksWaiters(t *testing.T) {
	f, settle := NewFuture[string]()

	done := make(chan struct{})
	var got string
	var gotErr error
	go func() {
		got, gotErr = f.Wait(context.Background())
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	settle("value", nil)
	<-done

	require.NoError(t, gotErr)
	require.Equal(t, "value", got)
}

func TestFuture_SettleOnlyTakesFirstValue(t *testing.T) {
	f, settle := NewFuture[int]()
	settle(1, nil)
	settle(2, errors.New("ignored"))

	v, err := f.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, v)
}

func TestFuture_WaitRespectsContextCancellation(t *testing.T) {
	f, _ := NewFuture[int]()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.Wait(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
