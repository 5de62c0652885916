package alertdb

import (
	"github.com/BurntSushi/migration"
	"github.com/cyclopcam/alertbridge/pkg/dbh"
	"github.com/cyclopcam/alertbridge/server/log"
)

// Migrations returns the schema for the given driver.
// IDs come from the database's own sequence, and AUTOINCREMENT guarantees
// that sqlite never reuses the id of a deleted row.
func Migrations(log log.Log, driver string) []migration.Migrator {
	migs := []migration.Migrator{}
	idx := 0

	idColumn := "id INTEGER PRIMARY KEY AUTOINCREMENT"
	if driver == dbh.DriverPostgres {
		idColumn = "id BIGSERIAL PRIMARY KEY"
	}

	migs = append(migs, dbh.MakeMigrationFromSQL(log, &idx, `
		CREATE TABLE alert(
			`+idColumn+`,
			camera_id INT,
			timestamp TEXT,
			event_type TEXT,
			details TEXT,
			clip_path TEXT
		);
	`))

	return migs
}
