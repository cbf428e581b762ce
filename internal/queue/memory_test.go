// ABOUTME: Unit tests for the in-memory queue client.
// ABOUTME: Verifies reserve ordering, blocking behaviour, and publish bookkeeping.

package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryClientReserveOrder(t *testing.T) {
	client := NewMemoryClient("start_scan")
	ctx := context.Background()

	first := client.Enqueue([]byte(`{"n":1}`))
	second := client.Enqueue([]byte(`{"n":2}`))

	job, err := client.Reserve(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, job.ID)
	assert.Equal(t, "start_scan", job.Tube)

	job2, err := client.Reserve(ctx)
	require.NoError(t, err)
	assert.Equal(t, second, job2.ID)
	assert.Equal(t, 2, client.Reserved())

	require.NoError(t, client.Delete(ctx, job))
	assert.Equal(t, 1, client.Deletes(job.ID))
	assert.Equal(t, 1, client.Reserved())
}

func TestMemoryClientReserveBlocksUntilPut(t *testing.T) {
	client := NewMemoryClient("start_scan")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan *Job, 1)
	go func() {
		job, err := client.Reserve(ctx)
		if err == nil {
			done <- job
		}
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, client.Put(ctx, []byte(`{}`), "start_scan"))

	job, ok := <-done
	require.True(t, ok)
	assert.Equal(t, []byte(`{}`), job.Body)
}

func TestMemoryClientReserveHonoursContext(t *testing.T) {
	client := NewMemoryClient("start_scan")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := client.Reserve(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryClientPublished(t *testing.T) {
	client := NewMemoryClient("start_scan")
	ctx := context.Background()

	require.NoError(t, client.Put(ctx, []byte("a"), "poll_server"))
	require.NoError(t, client.Put(ctx, []byte("b"), "master_tube"))

	assert.Len(t, client.Published(""), 2)
	require.Len(t, client.Published("poll_server"), 1)
	assert.Equal(t, []byte("a"), client.Published("poll_server")[0].Body)
	assert.Equal(t, 0, client.Reserved())

	client.PutErr = errors.New("boom")
	assert.Error(t, client.Put(ctx, []byte("c"), "poll_server"))
}

func TestIsConnErr(t *testing.T) {
	assert.False(t, isConnErr(errors.New("other"), errors.New("other")))
	assert.True(t, isConnErr(ErrUnreachable, ErrUnreachable))
}
