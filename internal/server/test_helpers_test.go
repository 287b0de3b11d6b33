package server

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/bichsonnhat/cr-sqlite/internal/database"
	"github.com/bichsonnhat/cr-sqlite/internal/protocol"
	"go.uber.org/zap"
)

const (
	testSchemaName    = "notes"
	testSchemaContent = "CREATE TABLE notes (id TEXT PRIMARY KEY NOT NULL, body TEXT)"
)

func newTestRegistry(t *testing.T) *database.Registry {
	t.Helper()
	registry, err := database.NewRegistry(database.RegistryConfig{
		Directory: filepath.Join(t.TempDir(), "dbs"),
		Logger:    zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to open registry: %v", err)
	}
	t.Cleanup(func() {
		_ = registry.Close()
	})
	return registry
}

func newTestService(t *testing.T) (*Service, *database.Registry) {
	t.Helper()
	registry := newTestRegistry(t)
	service, err := NewService(ServiceConfig{Registry: registry, Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	return service, registry
}

// provision uploads and installs the test schema at version on dbid.
func provision(t *testing.T, service *Service, dbid, peer protocol.SiteID, version int64) {
	t.Helper()
	ctx := context.Background()
	if _, err := service.Handle(ctx, peer, protocol.UploadSchema{
		Name: testSchemaName, Version: version, Content: testSchemaContent, Activate: true,
	}); err != nil {
		t.Fatalf("unexpected upload error: %v", err)
	}
	if _, err := service.Handle(ctx, peer, protocol.CreateOrMigrate{
		DBID: dbid, RequestorDBID: peer, SchemaName: testSchemaName, SchemaVersion: version,
	}); err != nil {
		t.Fatalf("unexpected provisioning error: %v", err)
	}
}

func siteOf(value byte) protocol.SiteID {
	var site protocol.SiteID
	for index := range site {
		site[index] = value
	}
	return site
}

func noteChange(pk, body string, dbVersion int64) protocol.Change {
	return protocol.Change{
		Table:      testSchemaName,
		PKs:        pk,
		CID:        "body",
		Value:      protocol.StringValue(body),
		ColVersion: 1,
		DBVersion:  dbVersion,
	}
}

func waitFor(t *testing.T, description string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", description)
}
