package state

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/portgate/internal/access"
	"grimm.is/portgate/internal/clock"
	"grimm.is/portgate/internal/traffic"
)

func memStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Options{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_KeyValue(t *testing.T) {
	s := memStore(t)
	ctx := context.Background()

	_, err := s.Get(ctx, "b", "k")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(ctx, "b", "k", []byte("v1")))
	require.NoError(t, s.Set(ctx, "b", "k", []byte("v2")))
	require.NoError(t, s.Set(ctx, "b", "a", []byte("x")))

	v, err := s.Get(ctx, "b", "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), v)

	keys, err := s.ListKeys(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "k"}, keys)

	require.NoError(t, s.Delete(ctx, "b", "k"))
	require.NoError(t, s.Delete(ctx, "b", "k"))
	_, err = s.Get(ctx, "b", "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_UpdatedAtUsesClock(t *testing.T) {
	at := time.Date(2026, 5, 1, 8, 30, 0, 0, time.UTC)
	s, err := Open(Options{Path: ":memory:", Clock: clock.NewFake(at)})
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "b", "k", []byte("v")))
	ts, err := s.UpdatedAt(ctx, "b", "k")
	require.NoError(t, err)
	assert.True(t, at.Equal(ts), "got %v", ts)
}

func TestStore_ModelRoundTrip(t *testing.T) {
	s := memStore(t)
	ctx := context.Background()

	_, ok, err := s.LoadModel(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	want := access.Snapshot{
		Whitelist: []string{"203.0.113.7", "2001:db8::1"},
		Forwards:  []access.ForwardRule{{SrcPort: 8080, DstIP: "10.0.0.5", DstPort: 80}},
		PanelPort: 9443,
	}
	require.NoError(t, s.SaveModel(ctx, want))

	got, ok, err := s.LoadModel(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, want, got)
}

func TestStore_TrafficPersistsOnDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "portgate.db")
	ctx := context.Background()

	s, err := Open(DefaultOptions(path))
	require.NoError(t, err)

	st, err := s.LoadTraffic(ctx)
	require.NoError(t, err)
	assert.Nil(t, st.Last)

	at := time.Date(2026, 5, 1, 8, 30, 0, 0, time.UTC)
	require.NoError(t, s.SaveTraffic(ctx, traffic.State{
		AccRx: 10, AccTx: 20,
		Last: &traffic.Sample{RxBytes: 100, TxBytes: 200, At: at},
	}))
	require.NoError(t, s.Close())

	s, err = Open(DefaultOptions(path))
	require.NoError(t, err)
	defer s.Close()
	st, err = s.LoadTraffic(ctx)
	require.NoError(t, err)
	require.NotNil(t, st.Last)
	assert.Equal(t, uint64(10), st.AccRx)
	assert.Equal(t, uint64(200), st.Last.TxBytes)
	assert.True(t, at.Equal(st.Last.At))
}

func TestStore_Closed(t *testing.T) {
	s, err := Open(Options{Path: ":memory:"})
	require.NoError(t, err)
	require.NoError(t, s.Ping(context.Background()))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Ping(context.Background()), ErrStoreClosed)

	_, err = s.Get(context.Background(), "b", "k")
	assert.ErrorIs(t, err, ErrStoreClosed)
	assert.ErrorIs(t, s.Set(context.Background(), "b", "k", nil), ErrStoreClosed)
}

func TestStore_LogLimit(t *testing.T) {
	s := memStore(t)
	ctx := context.Background()

	_, ok, err := s.LoadLogLimit(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SaveLogLimit(ctx, 20))
	mb, ok, err := s.LoadLogLimit(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 20, mb)
}
