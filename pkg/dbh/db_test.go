package dbh

import (
	"os"
	"testing"

	"github.com/cyclopcam/alertbridge/server/log"
	"github.com/stretchr/testify/require"
)

func TestDBNotExist(t *testing.T) {
	require.False(t, DBNotExistRegex.MatchString(`does not exist`))
	require.True(t, DBNotExistRegex.MatchString(`pq: database "alerts" does not exist`))
	require.False(t, DBNotExistRegex.MatchString(`table "alert" does not exist`))
}

func TestDSN(t *testing.T) {
	sq := MakeSqliteConfig("alerts.sqlite")
	require.Equal(t, "alerts.sqlite?_busy_timeout=5000", sq.DSN())

	pg := DBConfig{
		Driver:   DriverPostgres,
		Host:     "db",
		Port:     5432,
		Database: "alerts",
		Username: "relay",
		Password: "it's secret",
	}
	require.Equal(t, `host=db user=relay password='it\'s secret' dbname=alerts port=5432 sslmode=disable`, pg.DSN())
	require.NotContains(t, pg.LogSafeDescription(), "secret")
}

func TestValidate(t *testing.T) {
	c := MakeSqliteConfig("x.sqlite")
	require.NoError(t, c.Validate())
	c.Driver = "mysql"
	require.Error(t, c.Validate())
	c = MakeSqliteConfig("")
	require.Error(t, c.Validate())
}

func TestOpenSqliteRunsMigrations(t *testing.T) {
	log := log.NewTestingLog(t)
	cfg := MakeSqliteConfig("dbh-test.sqlite")
	defer os.Remove(cfg.Database)

	migs := MakeMigrations(log, []string{
		`CREATE TABLE thing(id INTEGER PRIMARY KEY AUTOINCREMENT, name TEXT)`,
		`INSERT INTO thing(name) VALUES ('first')`,
	})

	db, err := OpenDB(log, cfg, migs, DBConnectFlagWipeDB)
	require.NoError(t, err)
	var n int64
	require.NoError(t, db.Table("thing").Count(&n).Error)
	require.EqualValues(t, 1, n)
	sqlDB, _ := db.DB()
	sqlDB.Close()

	// Re-opening must not run the migrations a second time
	db, err = OpenDB(log, cfg, migs, 0)
	require.NoError(t, err)
	require.NoError(t, db.Table("thing").Count(&n).Error)
	require.EqualValues(t, 1, n)
	sqlDB, _ = db.DB()
	sqlDB.Close()
}
