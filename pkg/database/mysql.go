package database

import (
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

func openMySQL(dsn string) gorm.Dialector {
	return mysql.Open(dsn)
}

func init() {
	registerDialector("mysql", openMySQL)
}
