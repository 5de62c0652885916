package dbh

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/migration"
	"github.com/cyclopcam/alertbridge/server/log"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

// DBConnectFlags are flags passed to OpenDB.
type DBConnectFlags int

const DriverPostgres = "postgres"
const DriverSqlite = "sqlite3"

const (
	// DBConnectFlagWipeDB causes the entire DB to erased, and re-initialized from scratch (useful for unit tests).
	DBConnectFlagWipeDB DBConnectFlags = 1 << iota
)

// Milliseconds that sqlite waits on a locked database before failing a write
const SqliteBusyTimeoutMS = 5000

var DBNotExistRegex = regexp.MustCompile(`database "[^"]+" does not exist`)

// DBConfig is the database section of our config file.
type DBConfig struct {
	Driver   string `yaml:"driver"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

func MakeSqliteConfig(filename string) DBConfig {
	return DBConfig{
		Driver:   DriverSqlite,
		Database: filename,
	}
}

func (db *DBConfig) Validate() error {
	switch db.Driver {
	case DriverSqlite, DriverPostgres:
	default:
		return fmt.Errorf("Unsupported database driver '%v' (expected %v or %v)", db.Driver, DriverSqlite, DriverPostgres)
	}
	if db.Database == "" {
		return errors.New("Database name is empty")
	}
	return nil
}

// LogSafeDescription returns a string that is useful for debugging connection issues, but doesn't leak secrets
func (db *DBConfig) LogSafeDescription() string {
	if db.Driver == DriverSqlite {
		return fmt.Sprintf("driver=%v file=%v", db.Driver, db.Database)
	}
	desc := fmt.Sprintf("driver=%v host=%v database=%v username=%v", db.Driver, db.Host, db.Database, db.Username)
	if db.Port != 0 {
		desc += fmt.Sprintf(" port=%v", db.Port)
	}
	return desc
}

// DSN returns a database connection string (built for Postgres and Sqlite only).
func (db *DBConfig) DSN() string {
	if db.Driver == DriverSqlite {
		return fmt.Sprintf("%v?_busy_timeout=%v", db.Database, SqliteBusyTimeoutMS)
	}
	dsn := fmt.Sprintf("host=%v user=%v password=%v dbname=%v", quoteDSN(db.Host), quoteDSN(db.Username), quoteDSN(db.Password), quoteDSN(db.Database))
	if db.Port != 0 {
		dsn += fmt.Sprintf(" port=%v", db.Port)
	}
	return dsn + " sslmode=disable"
}

// Quote a value for a libpq key=value connection string
func quoteDSN(s string) string {
	if s == "" {
		return "''"
	} else if !strings.ContainsAny(s, " '\\") {
		return s
	}
	e := strings.Builder{}
	e.WriteRune('\'')
	for _, r := range s {
		if r == '\\' || r == '\'' {
			e.WriteRune('\\')
		}
		e.WriteRune(r)
	}
	e.WriteRune('\'')
	return e.String()
}

// MakeMigrations turns a sequence of SQL expressions into burntsushi migrations.
func MakeMigrations(log log.Log, sql []string) []migration.Migrator {
	migs := []migration.Migrator{}
	idx := 0
	for _, str := range sql {
		migs = append(migs, MakeMigrationFromSQL(log, &idx, str))
	}
	return migs
}

// MakeMigrationFromSQL turns an SQL string into a burntsushi migration
func MakeMigrationFromSQL(log log.Log, migrationNumber *int, sql string) migration.Migrator {
	*migrationNumber++
	idx := *migrationNumber

	return func(tx migration.LimitedTx) error {
		summary := strings.TrimSpace(sql)
		if nl := strings.IndexAny(summary, "\n\r"); nl != -1 {
			summary = summary[:nl]
		}
		if len(summary) > 40 {
			summary = summary[:40]
		}
		log.Infof("Running migration %v: '%v...'", idx, summary)
		_, err := tx.Exec(sql)
		return err
	}
}

// OpenDB creates a new DB, or opens an existing one, and runs all the migrations before returning.
func OpenDB(log log.Log, dbc DBConfig, migrations []migration.Migrator, flags DBConnectFlags) (*gorm.DB, error) {
	if flags&DBConnectFlagWipeDB != 0 {
		if err := DropAllTables(log, dbc); err != nil {
			return nil, err
		}
	}

	err := runMigrations(dbc, migrations)
	if err == nil {
		return gormOpen(log, dbc)
	}

	// Automatically create the database if it doesn't already exist.
	// Sqlite creates its file on first open, so this only applies to Postgres.
	if !isDatabaseNotExist(err) {
		return nil, err
	}

	log.Infof("Attempting to create database %v", dbc.Database)
	cfgCreate := dbc
	cfgCreate.Database = "postgres"
	if err := createDB(dbc.Driver, cfgCreate.DSN(), dbc.Database); err != nil {
		return nil, fmt.Errorf("While trying to create database '%v': %w", dbc.Database, err)
	}
	if err := runMigrations(dbc, migrations); err != nil {
		return nil, err
	}
	return gormOpen(log, dbc)
}

func runMigrations(dbc DBConfig, migrations []migration.Migrator) error {
	db, err := migration.Open(dbc.Driver, dbc.DSN(), migrations)
	if err != nil {
		return err
	}
	return db.Close()
}

// DropAllTables deletes all tables in the given database.
// If the database does not exist, returns nil.
// This function is intended to be used by unit tests.
func DropAllTables(log log.Log, dbc DBConfig) error {
	if dbc.Driver == DriverSqlite {
		err := os.Remove(dbc.Database)
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}

	if dbc.Driver != DriverPostgres {
		return fmt.Errorf("DropAllTables not supported on %v", dbc.Driver)
	}
	db, err := sql.Open(dbc.Driver, dbc.DSN())
	if err == nil {
		// Force delay-connect drivers to attempt a connect now
		err = db.Ping()
	}
	if isDatabaseNotExist(err) {
		return nil
	} else if err != nil {
		return err
	}
	defer db.Close()
	log.Warnf("Erasing entire DB '%v'", dbc.Database)
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	rows, err := tx.Query(`SELECT table_name FROM information_schema.tables WHERE table_schema = 'public'`)
	if err != nil {
		return err
	}
	tables := []string{}
	for rows.Next() {
		var table string
		if err := rows.Scan(&table); err != nil {
			rows.Close()
			return err
		}
		tables = append(tables, table)
	}
	rows.Close()
	for _, table := range tables {
		if _, err := tx.Exec(fmt.Sprintf(`DROP TABLE "%v" CASCADE`, table)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// gormWriter sends gorm's log output to our logger
type gormWriter struct {
	log log.Log
}

func (g gormWriter) Printf(format string, args ...any) {
	g.log.Warnf(strings.TrimSpace(format), args...)
}

func gormOpen(log log.Log, dbc DBConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch dbc.Driver {
	case DriverPostgres:
		dialector = postgres.Open(dbc.DSN())
	case DriverSqlite:
		dialector = sqlite.Open(dbc.DSN())
	default:
		return nil, fmt.Errorf("Unsupported database driver '%v'", dbc.Driver)
	}

	gormLogger := logger.New(
		gormWriter{log},
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	config := &gorm.Config{
		NamingStrategy: schema.NamingStrategy{
			// Our migrations are hand written, so table names must not be pluralized
			SingularTable: true,
		},
		Logger: gormLogger,
	}
	return gorm.Open(dialector, config)
}

func isDatabaseNotExist(err error) bool {
	if err == nil {
		return false
	}
	return DBNotExistRegex.MatchString(err.Error())
}

// Create a database called dbCreateName, by connecting to dsn.
func createDB(driver, dsn, dbCreateName string) error {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	_, err = db.Exec(fmt.Sprintf(`CREATE DATABASE "%v"`, dbCreateName))
	return err
}
