package db

import (
	"database/sql"

	"github.com/mattn/go-sqlite3"
)

// SQLiteDriverName is the custom driver name with per-connection setup
const SQLiteDriverName = "sqlite3_conveyor"

func init() {
	sql.Register(SQLiteDriverName, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			for _, pragma := range []string{
				"PRAGMA synchronous=NORMAL",
				"PRAGMA temp_store=MEMORY",
				"PRAGMA cache_size=-16000",
				// topic LIKE patterns compare case-sensitively, like equality
				"PRAGMA case_sensitive_like=ON",
			} {
				if _, err := conn.Exec(pragma, nil); err != nil {
					return err
				}
			}
			return nil
		},
	})
}
