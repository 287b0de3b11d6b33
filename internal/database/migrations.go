package database

import (
	"errors"
	"time"

	"github.com/bichsonnhat/cr-sqlite/internal/protocol"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationSeedSiteIdentity  = "2026-09-14_seed_site_identity"
	migrationNormalizeSiteCase = "2026-10-02_normalize_site_id_case"
)

const siteInfoRowID = 1

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationSeedSiteIdentity, apply: seedSiteIdentity},
		{name: migrationNormalizeSiteCase, apply: normalizeSiteIDCase},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

func seedSiteIdentity(db *gorm.DB) error {
	var existing SiteInfo
	err := db.Where("id = ?", siteInfoRowID).Take(&existing).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	site, err := protocol.NewSiteID()
	if err != nil {
		return err
	}
	return db.Create(&SiteInfo{ID: siteInfoRowID, SiteID: site.String()}).Error
}

// Site ids written by hand or by older tooling may carry upper-case hex.
func normalizeSiteIDCase(db *gorm.DB) error {
	statements := []string{
		"UPDATE crsql_changes SET site_id = lower(site_id) WHERE site_id <> lower(site_id);",
		"UPDATE crsql_tracked_peers SET site_id = lower(site_id) WHERE site_id <> lower(site_id);",
		"UPDATE crsql_site_info SET site_id = lower(site_id) WHERE site_id <> lower(site_id);",
	}
	for _, statement := range statements {
		if err := db.Exec(statement).Error; err != nil {
			return err
		}
	}
	return nil
}
