package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/edge-robotics/knowbase/pkg/logger"
	_ "github.com/lib/pq" // PostgreSQL driver
)

// Config holds the database configuration
type Config struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// DB is a wrapper for the SQL DB
type DB struct {
	Conn *sql.DB
}

// NewDB creates a new PostgreSQL database connection
func NewDB(config Config) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.DBName, config.SSLMode,
	)

	logger.Infof("Connecting to PostgreSQL database at %s:%s", config.Host, config.Port)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		logger.Errorf("Failed to connect to database: %v", err)
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Verify connection
	if err := db.Ping(); err != nil {
		logger.Errorf("Failed to ping database: %v, dsn: %s", err, dsn)
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Configure connection pool
	db.SetMaxIdleConns(10)
	db.SetMaxOpenConns(100)
	db.SetConnMaxLifetime(time.Hour)

	logger.Info("Successfully connected to PostgreSQL database")

	return &DB{Conn: db}, nil
}

// Close closes the database connection
func (d *DB) Close() error {
	return d.Conn.Close()
}

// InitSchema creates the quad table with its indexes and the reasoner's
// scratch twin. The memoization generation counter is process-local and
// has no table. Retraction is non-monotonic (the
// reasoner re-derives on its next tick) so the schema carries no foreign
// keys between the two triples tables.
func (d *DB) InitSchema() error {
	logger.Info("Initializing knowledge base schema")

	statements := []string{
		`CREATE TABLE IF NOT EXISTS quads (
			hash       BIGINT PRIMARY KEY,
			subject    TEXT NOT NULL,
			predicate  TEXT NOT NULL,
			object     TEXT NOT NULL,
			model      TEXT NOT NULL,
			ts         TIMESTAMPTZ NOT NULL DEFAULT now(),
			expires    TIMESTAMPTZ,
			inferred   BOOLEAN NOT NULL DEFAULT false
		);`,
		`CREATE INDEX IF NOT EXISTS quads_model_subject_idx ON quads (model, subject);`,
		`CREATE INDEX IF NOT EXISTS quads_model_predicate_idx ON quads (model, predicate);`,
		`CREATE INDEX IF NOT EXISTS quads_model_object_idx ON quads (model, object);`,
		`CREATE INDEX IF NOT EXISTS quads_expires_idx ON quads (expires) WHERE expires IS NOT NULL;`,
		`CREATE TABLE IF NOT EXISTS quad_snapshot (
			hash       BIGINT PRIMARY KEY,
			subject    TEXT NOT NULL,
			predicate  TEXT NOT NULL,
			object     TEXT NOT NULL,
			model      TEXT NOT NULL,
			ts         TIMESTAMPTZ NOT NULL,
			expires    TIMESTAMPTZ,
			inferred   BOOLEAN NOT NULL DEFAULT false
		);`,
	}

	for _, stmt := range statements {
		if _, err := d.Conn.Exec(stmt); err != nil {
			logger.Errorf("Failed to apply schema statement: %v", err)
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}

	logger.Info("Knowledge base schema initialized successfully")
	return nil
}

// Transaction executes a function within a database transaction
func (d *DB) Transaction(fn func(*sql.Tx) error) error {
	tx, err := d.Conn.Begin()
	if err != nil {
		return err
	}

	err = fn(tx)
	if err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}
