package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/bichsonnhat/cr-sqlite/internal/protocol"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const catalogFileName = "_catalog.db"

var errMissingDirectory = errors.New("database directory is required")

// RegistryConfig wires a Registry.
type RegistryConfig struct {
	Directory string
	Logger    *zap.Logger
}

// Registry opens one store per database id under a directory and caches it.
type Registry struct {
	directory string
	logger    *zap.Logger
	catalogDB *gorm.DB
	catalog   *SchemaCatalog

	mu     sync.Mutex
	stores map[protocol.SiteID]*Store
	closed bool
}

// NewRegistry creates the directory if needed and opens the schema catalog.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Directory == "" {
		return nil, errMissingDirectory
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.Directory, 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	catalogDB, err := OpenSQLite(filepath.Join(cfg.Directory, catalogFileName), logger)
	if err != nil {
		return nil, fmt.Errorf("open schema catalog: %w", err)
	}
	catalog, err := NewSchemaCatalog(catalogDB, logger.Named("catalog"))
	if err != nil {
		_ = CloseSQLite(catalogDB)
		return nil, err
	}

	return &Registry{
		directory: cfg.Directory,
		logger:    logger,
		catalogDB: catalogDB,
		catalog:   catalog,
		stores:    make(map[protocol.SiteID]*Store),
	}, nil
}

// Catalog returns the shared schema catalog.
func (r *Registry) Catalog() *SchemaCatalog {
	return r.catalog
}

// Open returns the store for dbid, opening its file on first use.
func (r *Registry) Open(ctx context.Context, dbid protocol.SiteID) (*Store, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrStoreClosed
	}
	if store, ok := r.stores[dbid]; ok {
		return store, nil
	}

	path := filepath.Join(r.directory, dbid.String()+".db")
	store, err := OpenStore(ctx, path, r.logger.With(zap.String("dbid", dbid.String())))
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", dbid, err)
	}
	r.stores[dbid] = store
	return store, nil
}

// Close closes every opened store and the catalog.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	var errs []error
	for dbid, store := range r.stores {
		if err := store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database %s: %w", dbid, err))
		}
	}
	if err := CloseSQLite(r.catalogDB); err != nil {
		errs = append(errs, fmt.Errorf("close schema catalog: %w", err))
	}
	return errors.Join(errs...)
}
