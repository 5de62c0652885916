package alertdb

import (
	"errors"
	"os"
	"testing"

	"github.com/cyclopcam/alertbridge/pkg/dbh"
	"github.com/cyclopcam/alertbridge/server/log"
	"github.com/stretchr/testify/require"
)

const testDBFilename = "test_alertdb.sqlite"

func setup(t *testing.T, wipeDB bool) *AlertDB {
	t.Helper()
	cfg := dbh.MakeSqliteConfig(testDBFilename)
	var db *AlertDB
	var err error
	if wipeDB {
		db, err = OpenWiped(log.NewTestingLog(t), cfg)
	} else {
		db, err = Open(log.NewTestingLog(t), cfg)
	}
	if err != nil {
		t.Fatalf("Failed to open AlertDB: %v", err)
	}
	return db
}

func cleanupDB(t *testing.T) {
	t.Helper()
	os.Remove(testDBFilename)
	os.Remove(testDBFilename + "-shm")
	os.Remove(testDBFilename + "-wal")
}

func ptr[T any](v T) *T {
	return &v
}

func TestSaveAssignsIncreasingIDs(t *testing.T) {
	db := setup(t, true)
	defer cleanupDB(t)
	defer db.Close()

	a := Alert{CameraID: ptr[int32](3), EventType: ptr("person")}
	a.ID = 999 // must be ignored
	require.NoError(t, db.Save(&a))
	require.NotEqual(t, int64(999), a.ID)
	require.NotZero(t, a.ID)

	b := Alert{}
	require.NoError(t, db.Save(&b))
	require.Greater(t, b.ID, a.ID)

	recent, err := db.QueryRecent(HistoryLimit)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	require.Equal(t, b.ID, recent[0].ID)
	require.Equal(t, a.ID, recent[1].ID)
	require.Equal(t, int32(3), *recent[1].CameraID)
	require.Equal(t, "person", *recent[1].EventType)
	require.Nil(t, recent[1].Timestamp)
	require.Nil(t, recent[0].CameraID)
}

func TestQueryRecentEmpty(t *testing.T) {
	db := setup(t, true)
	defer cleanupDB(t)
	defer db.Close()

	recent, err := db.QueryRecent(HistoryLimit)
	require.NoError(t, err)
	require.NotNil(t, recent)
	require.Empty(t, recent)

	n, err := db.Count()
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestQueryRecentLimit(t *testing.T) {
	db := setup(t, true)
	defer cleanupDB(t)
	defer db.Close()

	ids := []int64{}
	for i := 0; i < 60; i++ {
		a := Alert{CameraID: ptr(int32(i))}
		require.NoError(t, db.Save(&a))
		ids = append(ids, a.ID)
	}

	recent, err := db.QueryRecent(HistoryLimit)
	require.NoError(t, err)
	require.Len(t, recent, HistoryLimit)
	for i := range recent {
		require.Equal(t, ids[59-i], recent[i].ID)
	}
	n, err := db.Count()
	require.NoError(t, err)
	require.EqualValues(t, 60, n)
}

func TestReopenKeepsAlerts(t *testing.T) {
	db := setup(t, true)
	defer cleanupDB(t)
	a := Alert{Details: ptr("motion near gate")}
	require.NoError(t, db.Save(&a))
	require.NoError(t, db.Close())

	db = setup(t, false)
	defer db.Close()
	recent, err := db.QueryRecent(HistoryLimit)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	require.Equal(t, a.ID, recent[0].ID)

	// IDs continue from where they left off
	b := Alert{}
	require.NoError(t, db.Save(&b))
	require.Greater(t, b.ID, a.ID)
}

func TestStorageFailureIsWrapped(t *testing.T) {
	db := setup(t, true)
	defer cleanupDB(t)
	require.NoError(t, db.Close())

	err := db.Save(&Alert{})
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrStorage))

	_, err = db.QueryRecent(HistoryLimit)
	require.True(t, errors.Is(err, ErrStorage))
}
