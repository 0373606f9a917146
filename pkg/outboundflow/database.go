package outboundflow

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/RealZimboGuy/outboundflow/internal/config"
	"github.com/RealZimboGuy/outboundflow/internal/migrations"
	"github.com/RealZimboGuy/outboundflow/internal/repository"
)

// OpenDatabase migrates and opens the database named by OFLOW_DATABASE_TYPE.
func OpenDatabase() (*sql.DB, string, error) {
	databaseType := config.GetSystemSettingString(config.DATABASE_TYPE)
	var (
		db  *sql.DB
		err error
	)
	switch databaseType {
	case config.DATABASE_TYPE_POSTGRES:
		db, err = setupPostgresDatabase()
	case config.DATABASE_TYPE_SQLLITE:
		db, err = setupSqlLiteDatabase()
	case config.DATABASE_TYPE_MYSQL:
		db, err = setupMysqlDatabase()
	default:
		panic("OFLOW_DATABASE_TYPE must be set to one of the following values: POSTGRES, MYSQL, SQLLITE")
	}
	if err != nil {
		return nil, "", err
	}
	repository.ConfigurePool(db)
	return db, databaseType, nil
}

func setupPostgresDatabase() (*sql.DB, error) {
	dbURL := config.GetSystemSettingString(config.DATABASE_URL)
	if dbURL == "" {
		panic("OFLOW_DATABASE_URL must be set when using the POSTGRES database type")
	}
	slog.Info("Using Postgres database")
	slog.Info("Running migrations")
	if err := migrations.Up("postgres", dbURL); err != nil {
		return nil, fmt.Errorf("postgres migration failed: %w", err)
	}
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("postgres connection failed: %w", err)
	}
	return db, nil
}

func setupSqlLiteDatabase() (*sql.DB, error) {
	fileName := config.GetSystemSettingString(config.DATABASE_SQLLITE_FILE_NAME)
	slog.Info("Using SQLite database", "file", fileName)
	slog.Info("Running migrations")
	if err := migrations.Up("sqllite3", "sqlite3://"+fileName); err != nil {
		return nil, fmt.Errorf("sqlite migration failed: %w", err)
	}
	return openSQLiteFile(fileName)
}

func openSQLiteFile(fileName string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", fileName+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite DB: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping SQLite DB: %w", err)
	}
	return db, nil
}

func setupMysqlDatabase() (*sql.DB, error) {
	dbURL := config.GetSystemSettingString(config.DATABASE_URL)
	if dbURL == "" {
		panic("OFLOW_DATABASE_URL must be set when using the MYSQL database type")
	}
	if !strings.Contains(dbURL, "parseTime=true") {
		panic("OFLOW_DATABASE_URL must contain 'parseTime=true' for MySQL")
	}
	if !strings.HasPrefix(dbURL, "mysql://") {
		panic("OFLOW_DATABASE_URL must start with 'mysql://' for MySQL")
	}
	slog.Info("Using MySQL database")
	slog.Info("Running migrations")
	migrateURL := dbURL
	if !strings.Contains(migrateURL, "multiStatements=") {
		migrateURL += "&multiStatements=true"
	}
	if err := migrations.Up("mysql", migrateURL); err != nil {
		return nil, fmt.Errorf("mysql migration failed: %w", err)
	}
	db, err := sql.Open("mysql", strings.Replace(dbURL, "mysql://", "", 1))
	if err != nil {
		return nil, fmt.Errorf("mysql connection failed: %w", err)
	}
	return db, nil
}
