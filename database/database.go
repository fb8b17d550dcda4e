package database

import (
	"database/sql"
	"fmt"
	"log"

	_ "github.com/mattn/go-sqlite3"
)

// InitDB opens the plain database/sql handle used by the queue. The GORM
// handle (see gorm_db.go) and this one share the same SQLite file; WAL
// keeps the two connections from blocking each other.
func InitDB(dataSourceName string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// enable write-ahead logging for better concurrency
	_, err = db.Exec("PRAGMA journal_mode=WAL;")
	if err != nil {
		log.Printf("warning: failed to set WAL mode: %v", err)
	}

	_, err = db.Exec("PRAGMA busy_timeout=5000;")
	if err != nil {
		log.Printf("warning: failed to set busy timeout: %v", err)
	}

	log.Println("queue database initialized successfully at", dataSourceName)
	return db, nil
}
