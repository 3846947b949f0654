package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/docval/docval/internal/queue"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupQueue(t *testing.T) *queue.RedisQueue {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	q, err := queue.NewRedisQueue("redis://"+host+":"+port.Port(), "docval:test")
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, q.Close()) })

	return q
}

func TestEnqueueDequeue_Roundtrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	q := setupQueue(t)
	ctx := context.Background()

	in := queue.Task{ReportID: uuid.New(), OwnerID: uuid.New(), InputRef: "uploads/a.pdf"}
	require.NoError(t, q.Enqueue(ctx, in))

	out, found, err := q.Dequeue(ctx, 2*time.Second)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, in, out)
}

func TestDequeue_FIFO(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	q := setupQueue(t)
	ctx := context.Background()

	first := queue.Task{ReportID: uuid.New(), InputRef: "uploads/first.pdf"}
	second := queue.Task{ReportID: uuid.New(), InputRef: "uploads/second.pdf"}
	require.NoError(t, q.Enqueue(ctx, first))
	require.NoError(t, q.Enqueue(ctx, second))

	out, found, err := q.Dequeue(ctx, 2*time.Second)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, first.ReportID, out.ReportID)
}

func TestDequeue_TimesOutEmpty(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	q := setupQueue(t)

	_, found, err := q.Dequeue(context.Background(), time.Second)
	require.NoError(t, err)
	assert.False(t, found)
}
