package publish

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/runhelper/pkg/record"
)

// mockConn records published messages and can fail the first attempts
type mockConn struct {
	mu        sync.Mutex
	failFirst int
	calls     int
	subjects  []string
	payloads  [][]byte
}

func (m *mockConn) Publish(subj string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.calls <= m.failFirst {
		return errors.New("nats: connection closed")
	}
	m.subjects = append(m.subjects, subj)
	m.payloads = append(m.payloads, append([]byte(nil), data...))
	return nil
}

func fixedClock() time.Time {
	return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func TestNewPublisherValidation(t *testing.T) {
	_, err := NewPublisher(nil, "", nil)
	assert.Error(t, err)

	p, err := NewPublisher(&mockConn{}, "", nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultSubject+".completed", p.Subject(StatusCompleted))
}

func TestPublishCompleted(t *testing.T) {
	conn := &mockConn{}
	p, err := NewPublisher(conn, "bench", nil)
	require.NoError(t, err)
	p.now = fixedClock

	rec := record.New()
	rec.Set(record.KeyInstance, "inst-7")
	rec.Set(record.KeyReal, 1.5)
	rec.Set(record.KeyStatus, nil)
	rec.Set("nodes", "12")

	require.NoError(t, p.PublishCompleted(context.Background(), "batch-1", rec))

	require.Equal(t, []string{"bench.completed"}, conn.subjects)
	assert.JSONEq(t, `{
		"batchId": "batch-1",
		"instanceId": "inst-7",
		"status": "completed",
		"record": {"instance": "inst-7", "real": 1.5, "status": null, "nodes": "12"},
		"timestamp": "2026-03-01T12:00:00Z"
	}`, string(conn.payloads[0]))
}

func TestPublishFailed(t *testing.T) {
	conn := &mockConn{}
	p, err := NewPublisher(conn, "bench", nil)
	require.NoError(t, err)

	require.NoError(t, p.PublishFailed(context.Background(), "batch-1", "bad", errors.New("launcher crashed")))

	require.Equal(t, []string{"bench.failed"}, conn.subjects)
	var event Event
	require.NoError(t, json.Unmarshal(conn.payloads[0], &event))
	assert.Equal(t, "bad", event.InstanceID)
	assert.Equal(t, StatusFailed, event.Status)
	assert.Equal(t, "launcher crashed", event.Error)
}

func TestPublishRetries(t *testing.T) {
	conn := &mockConn{failFirst: 2}
	p, err := NewPublisher(conn, "bench", nil)
	require.NoError(t, err)
	p.SetRetry(3, time.Millisecond)

	require.NoError(t, p.PublishFailed(context.Background(), "b", "x", nil))
	assert.Equal(t, 3, conn.calls)
	assert.Len(t, conn.payloads, 1)
}

func TestPublishGivesUpAfterRetries(t *testing.T) {
	conn := &mockConn{failFirst: 10}
	p, err := NewPublisher(conn, "bench", nil)
	require.NoError(t, err)
	p.SetRetry(2, time.Millisecond)

	err = p.PublishFailed(context.Background(), "b", "x", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PUBLISH_FAILED")
	assert.Equal(t, 2, conn.calls)
}

func TestPublishStopsRetryingOnCancel(t *testing.T) {
	conn := &mockConn{failFirst: 10}
	p, err := NewPublisher(conn, "bench", nil)
	require.NoError(t, err)
	p.SetRetry(5, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = p.PublishFailed(ctx, "b", "x", nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, conn.calls)
}
