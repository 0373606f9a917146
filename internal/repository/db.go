package repository

import (
	"database/sql"
	"time"

	"github.com/RealZimboGuy/outboundflow/internal/config"
	_ "github.com/lib/pq"
)

// ConfigurePool applies pool limits suited to the dialect. SQLite gets a
// single connection because the delivery worker and poller write concurrently.
func ConfigurePool(db *sql.DB) {
	if config.GetSystemSettingString(config.DATABASE_TYPE) == config.DATABASE_TYPE_SQLLITE {
		db.SetMaxOpenConns(1)
		return
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)
}
