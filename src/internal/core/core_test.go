package core

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ballcone/ballcone/src/internal/dao"
	"github.com/ballcone/ballcone/src/internal/schema"
)

func newTestCore(t *testing.T) *Core {
	t.Helper()
	d, err := dao.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return New(d, Config{TopLimit: 3, PersistPeriod: time.Hour}, prometheus.NewRegistry())
}

func sampleRecord(service string) schema.Record {
	dt := time.Date(2020, 1, 1, 12, 0, 0, 0, time.UTC)
	return schema.Record{
		Datetime: dt,
		Date:     schema.DateOnly(dt),
		Host:     "example.org",
		Method:   "GET",
		Path:     "/",
		Status:   200,
		Length:   512,
		IP:       netip.MustParseAddr("127.0.0.1"),
	}
}

func TestCheckServiceRejectsWhitespace(t *testing.T) {
	c := newTestCore(t)
	assert.False(t, c.CheckService(context.Background(), "has space", false))
	assert.False(t, c.CheckService(context.Background(), "", false))
	assert.True(t, c.CheckService(context.Background(), "valid_service1", false))
}

func TestNormalizeServiceLowercasesAndTrims(t *testing.T) {
	assert.Equal(t, "foo", NormalizeService("Foo "))
	assert.Equal(t, "foo", NormalizeService("  FOO"))
}

func TestEnqueueCreatesTableLazily(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	exists, err := c.DAO().TableExists(ctx, "svc")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, c.Enqueue(ctx, "svc", sampleRecord("svc")))

	exists, err = c.DAO().TableExists(ctx, "svc")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestEnqueueRejectsInvalidService(t *testing.T) {
	c := newTestCore(t)
	err := c.Enqueue(context.Background(), "has space", sampleRecord("has space"))
	require.Error(t, err)
}

func TestPersistDrainsQueueAndWritesRows(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	require.NoError(t, c.Enqueue(ctx, "svc", sampleRecord("svc")))
	require.NoError(t, c.Enqueue(ctx, "svc", sampleRecord("svc")))

	c.Persist(ctx)

	tables, err := c.DAO().Tables(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"svc"}, tables)

	counts, err := c.DAO().SelectCount(ctx, "svc", nil, nil, nil)
	require.NoError(t, err)
	require.Len(t, counts, 1)
	assert.Equal(t, int64(2), counts[0].Count)

	// S6: persisting again with an empty queue creates no new rows or
	// tables.
	c.Persist(ctx)
	counts, err = c.DAO().SelectCount(ctx, "svc", nil, nil, nil)
	require.NoError(t, err)
	require.Len(t, counts, 1)
	assert.Equal(t, int64(2), counts[0].Count)
}

func TestPersistTimerStopsOnCancel(t *testing.T) {
	c := newTestCore(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		c.PersistTimer(ctx)
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("PersistTimer did not stop after cancellation")
	}
}

func TestDaysBefore(t *testing.T) {
	stop := time.Date(2020, 1, 30, 15, 0, 0, 0, time.UTC)
	start, gotStop := DaysBefore(stop, 30)
	assert.True(t, gotStop.Equal(schema.DateOnly(stop)))
	assert.Equal(t, time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), start)
}
