package alertdb

import (
	"errors"
	"fmt"

	"github.com/cyclopcam/alertbridge/pkg/dbh"
	"github.com/cyclopcam/alertbridge/server/log"
	"gorm.io/gorm"
)

// HistoryLimit is the number of alerts returned by the history query
const HistoryLimit = 50

// ErrStorage is wrapped by every error that originates in the database
var ErrStorage = errors.New("alert storage failure")

// AlertDB is the durable store of alerts
type AlertDB struct {
	Log log.Log
	DB  *gorm.DB
}

// Open opens or creates the alert database, and brings its schema up to date
func Open(logger log.Log, cfg dbh.DBConfig) (*AlertDB, error) {
	return open(logger, cfg, 0)
}

// OpenWiped erases the database before opening it. Used by tests.
func OpenWiped(logger log.Log, cfg dbh.DBConfig) (*AlertDB, error) {
	return open(logger, cfg, dbh.DBConnectFlagWipeDB)
}

func open(logger log.Log, cfg dbh.DBConfig, flags dbh.DBConnectFlags) (*AlertDB, error) {
	db, err := dbh.OpenDB(logger, cfg, Migrations(logger, cfg.Driver), flags)
	if err != nil {
		return nil, fmt.Errorf("Failed to open alert database (%v): %w", cfg.LogSafeDescription(), err)
	}
	return &AlertDB{
		Log: logger,
		DB:  db,
	}, nil
}

// Save inserts a new alert. Any ID already present on the alert is ignored,
// and on success alert.ID holds the newly assigned ID.
func (a *AlertDB) Save(alert *Alert) error {
	alert.ID = 0
	if err := a.DB.Create(alert).Error; err != nil {
		return fmt.Errorf("%w: insert alert: %v", ErrStorage, err)
	}
	return nil
}

// QueryRecent returns up to limit alerts, newest first.
// The result is never nil.
func (a *AlertDB) QueryRecent(limit int) ([]Alert, error) {
	alerts := []Alert{}
	if err := a.DB.Order("id DESC").Limit(limit).Find(&alerts).Error; err != nil {
		return nil, fmt.Errorf("%w: query recent alerts: %v", ErrStorage, err)
	}
	return alerts, nil
}

// Count returns the total number of stored alerts
func (a *AlertDB) Count() (int64, error) {
	var n int64
	if err := a.DB.Model(&Alert{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("%w: count alerts: %v", ErrStorage, err)
	}
	return n, nil
}

func (a *AlertDB) Close() error {
	sqlDB, err := a.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
