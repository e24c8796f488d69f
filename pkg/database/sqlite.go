package database

import (
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

// sqlitePragmas 在多个 goroutine 同时读写时减少 "database is locked"。
const sqlitePragmas = "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"

func openSQLite(dsn string) gorm.Dialector {
	if !strings.Contains(dsn, "_pragma=") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + sqlitePragmas
	}
	return sqlite.Open(dsn)
}

func init() {
	registerDialector("sqlite", openSQLite)
}
