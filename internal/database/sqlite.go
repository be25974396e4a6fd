package database

import (
	"context"
	"fmt"

	"github.com/cybersemics/partykit-em/internal/tree"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenSQLite establishes a SQLite connection, migrates the tree schema, and
// seeds the reserved rows. Access is serialized through a single connection;
// the replica owns its database exclusively.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
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

	if err := db.AutoMigrate(&tree.Node{}, &tree.MoveOp{}, &tree.Payload{}, &tree.ClientRecord{}); err != nil {
		return nil, err
	}

	store, err := tree.NewStore(tree.StoreConfig{Database: db})
	if err != nil {
		return nil, err
	}
	if err := store.SeedReservedNodes(context.Background()); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

// VerifyIntegrity compares the materialized nodes table against a fold of
// the log and rebuilds it when a torn write left them divergent.
func VerifyIntegrity(ctx context.Context, db *gorm.DB, walkDepth int, logger *zap.Logger) error {
	store, err := tree.NewStore(tree.StoreConfig{Database: db})
	if err != nil {
		return err
	}
	engine, err := tree.NewEngine(tree.EngineConfig{
		Store:                store,
		Logger:               logger,
		MaxAncestorWalkDepth: walkDepth,
	})
	if err != nil {
		return err
	}
	rebuilt, err := engine.EnsureConsistent(ctx)
	if err != nil {
		return err
	}
	if rebuilt && logger != nil {
		logger.Warn("nodes table rebuilt from op log")
	}
	return nil
}
