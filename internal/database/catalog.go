package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrSchemaNotFound indicates a schema name and version that was never uploaded.
	ErrSchemaNotFound = errors.New("database: schema not found")
	// ErrInvalidSchema indicates an upload without a name or content.
	ErrInvalidSchema = errors.New("database: invalid schema")
)

const (
	querySchemaName        = "name = ?"
	querySchemaNameVersion = "name = ? AND version = ?"
	querySchemaActive      = "name = ? AND active = ?"
)

// SchemaCatalog keeps uploaded schema versions and which one is active per name.
type SchemaCatalog struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewSchemaCatalog constructs a catalog on an initialized database.
func NewSchemaCatalog(db *gorm.DB, logger *zap.Logger) (*SchemaCatalog, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SchemaCatalog{db: db, clock: time.Now, logger: logger}, nil
}

// Upload stores a schema version, replacing content for the same version.
func (c *SchemaCatalog) Upload(ctx context.Context, name string, version int64, content string, activate bool) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidSchema)
	}
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("%w: empty content", ErrInvalidSchema)
	}

	record := SchemaRecord{
		Name:              trimmed,
		Version:           version,
		Content:           content,
		UploadedAtSeconds: c.clock().UTC().Unix(),
	}
	err := c.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}, {Name: "version"}},
		DoUpdates: clause.AssignmentColumns([]string{"content", "uploaded_at_s"}),
	}).Create(&record).Error
	if err != nil {
		return fmt.Errorf("upload schema %s@%d: %w", trimmed, version, err)
	}
	c.logger.Info("schema uploaded", zap.String("schema_name", trimmed), zap.Int64("schema_version", version))

	if activate {
		return c.Activate(ctx, trimmed, version)
	}
	return nil
}

// Activate makes version the active one for name.
func (c *SchemaCatalog) Activate(ctx context.Context, name string, version int64) error {
	txErr := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record SchemaRecord
		err := tx.Where(querySchemaNameVersion, name, version).Take(&record).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s@%d", ErrSchemaNotFound, name, version)
		}
		if err != nil {
			return err
		}
		if err := tx.Model(&SchemaRecord{}).Where(querySchemaName, name).Update("active", false).Error; err != nil {
			return err
		}
		return tx.Model(&SchemaRecord{}).Where(querySchemaNameVersion, name, version).Update("active", true).Error
	})
	if txErr != nil {
		return txErr
	}
	c.logger.Info("schema activated", zap.String("schema_name", name), zap.Int64("schema_version", version))
	return nil
}

// Lookup returns one uploaded schema version.
func (c *SchemaCatalog) Lookup(ctx context.Context, name string, version int64) (SchemaRecord, error) {
	var record SchemaRecord
	err := c.db.WithContext(ctx).Where(querySchemaNameVersion, name, version).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SchemaRecord{}, fmt.Errorf("%w: %s@%d", ErrSchemaNotFound, name, version)
	}
	if err != nil {
		return SchemaRecord{}, err
	}
	return record, nil
}

// Active returns the active version of name.
func (c *SchemaCatalog) Active(ctx context.Context, name string) (SchemaRecord, error) {
	var record SchemaRecord
	err := c.db.WithContext(ctx).Where(querySchemaActive, name, true).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SchemaRecord{}, fmt.Errorf("%w: no active version of %s", ErrSchemaNotFound, name)
	}
	if err != nil {
		return SchemaRecord{}, err
	}
	return record, nil
}
