package database

import (
	"path/filepath"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsSeedsSiteIdentityOnce(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(&ChangeRecord{}, &TrackedPeer{}, &SiteInfo{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}
	var first SiteInfo
	if err := database.Where("id = ?", siteInfoRowID).Take(&first).Error; err != nil {
		testContext.Fatalf("expected site info row: %v", err)
	}
	if len(first.SiteID) != 32 {
		testContext.Fatalf("expected 32 hex characters, got %q", first.SiteID)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to re-apply migrations: %v", err)
	}
	var second SiteInfo
	if err := database.Where("id = ?", siteInfoRowID).Take(&second).Error; err != nil {
		testContext.Fatalf("failed to reload site info: %v", err)
	}
	if second.SiteID != first.SiteID {
		testContext.Fatalf("site identity changed from %s to %s", first.SiteID, second.SiteID)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationSeedSiteIdentity).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestApplyMigrationsNormalizesSiteIDCase(testContext *testing.T) {
	tempDir := testContext.TempDir()
	database, err := gorm.Open(sqlite.Open(filepath.Join(tempDir, "case.db")), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(&ChangeRecord{}, &TrackedPeer{}, &SiteInfo{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	upper := "ABCDEFABCDEFABCDEFABCDEFABCDEFAB"
	if err := database.Create(&TrackedPeer{SiteID: upper, Version: 3}).Error; err != nil {
		testContext.Fatalf("failed to insert peer: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var peer TrackedPeer
	if err := database.Where("site_id = ?", "abcdefabcdefabcdefabcdefabcdefab").Take(&peer).Error; err != nil {
		testContext.Fatalf("expected lower-cased peer: %v", err)
	}
	if peer.Version != 3 {
		testContext.Fatalf("unexpected peer version %d", peer.Version)
	}
}
