package database

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/gather/backend/internal/conversations"
	"github.com/MarcoPoloResearchLab/gather/backend/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// busyTimeoutMillis lets a reader wait out the single writer instead of failing with SQLITE_BUSY.
const busyTimeoutMillis = 5000

var errMissingDatabasePath = errors.New("database: path is required")

// schema lists the tables gather keeps, parents before the rows that reference them.
var schema = []interface{}{
	&conversations.Conversation{},
	&conversations.Participant{},
	&conversations.MessageRecord{},
	&users.Identity{},
	&users.Profile{},
	&migrationRecord{},
}

// OpenSQLite opens the gather database at path on a single connection, then brings the
// schema and the recorded data migrations up to date.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errMissingDatabasePath
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("database: open %s: %w", path, err)
	}
	pool, err := db.DB()
	if err != nil {
		return nil, err
	}
	pool.SetMaxOpenConns(1)
	if err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeoutMillis)).Error; err != nil {
		return nil, fmt.Errorf("database: configure busy timeout: %w", err)
	}

	if err := db.AutoMigrate(schema...); err != nil {
		return nil, fmt.Errorf("database: migrate schema: %w", err)
	}
	if err := applyMigrations(db, logger); err != nil {
		return nil, fmt.Errorf("database: apply migrations: %w", err)
	}

	logger.Info("database initialized", zap.String("path", path), zap.Int("tables", len(schema)))
	return db, nil
}
