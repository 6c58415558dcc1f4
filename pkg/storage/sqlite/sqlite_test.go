package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinytraffic/pkg/cursor"
	"github.com/nicktill/tinytraffic/pkg/storage"
	"github.com/nicktill/tinytraffic/pkg/storage/storagetest"
	"github.com/nicktill/tinytraffic/pkg/traffic"
)

func TestSQLiteStorage(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		s, err := New(":memory:")
		require.NoError(t, err)
		return s
	})
}

func TestSQLiteStorage_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traffic.db")
	ctx := context.Background()

	s, err := New(path)
	require.NoError(t, err)
	next := cursor.Cursor{Source: traffic.Conversions, Position: cursor.Position{Timestamp: storagetest.Hour}, RecordsSynced: 1}
	conv := storagetest.Conversion("c1", storagetest.Hour, "C1", "US", "mobile", "3.141593", "2")
	require.NoError(t, s.CommitPage(ctx, traffic.Conversions, []traffic.Event{conv}, &next))
	require.NoError(t, s.Close())

	s, err = New(path)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.QueryEvents(ctx, storage.EventQuery{Source: traffic.Conversions})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "3.141593", got[0].Revenue.String())

	c, ok, err := s.GetCursor(ctx, traffic.Conversions)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, c.Position.Timestamp.Equal(storagetest.Hour))
}
