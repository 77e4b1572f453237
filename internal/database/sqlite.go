package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/campusmarket/client/internal/cache"
	"github.com/MarcoPoloResearchLab/campusmarket/client/internal/identity/localidp"
	"github.com/MarcoPoloResearchLab/campusmarket/client/internal/profiles"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenSQLite establishes a single-connection SQLite handle.
func OpenSQLite(path string) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

// OpenBackend opens the identity and profile database and migrates its schema.
func OpenBackend(path string, logger *zap.Logger) (*gorm.DB, error) {
	db, err := OpenSQLite(path)
	if err != nil {
		return nil, err
	}

	models := []interface{}{&profiles.Profile{}, &profiles.Settings{}, &migrationRecord{}}
	models = append(models, localidp.Models()...)
	if err := db.AutoMigrate(models...); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("backend database initialized", zap.String("path", path))
	}
	return db, nil
}

// OpenCache opens the local cache database.
func OpenCache(path string, logger *zap.Logger) (*gorm.DB, error) {
	db, err := OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&cache.Entry{}); err != nil {
		return nil, err
	}
	if logger != nil {
		logger.Info("cache database initialized", zap.String("path", path))
	}
	return db, nil
}
