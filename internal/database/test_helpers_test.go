package database

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/bichsonnhat/cr-sqlite/internal/protocol"
	"go.uber.org/zap"
)

func mustOpenStore(t *testing.T, name string) *Store {
	t.Helper()
	store, err := OpenStore(context.Background(), filepath.Join(t.TempDir(), name+".db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func mustPut(t *testing.T, store *Store, writes ...Write) int64 {
	t.Helper()
	version, err := store.Put(context.Background(), writes)
	if err != nil {
		t.Fatalf("unexpected put error: %v", err)
	}
	return version
}

func mustSite(t *testing.T, value byte) protocol.SiteID {
	t.Helper()
	raw := make([]byte, protocol.SiteIDLength)
	for index := range raw {
		raw[index] = value
	}
	site, err := protocol.SiteIDFromBytes(raw)
	if err != nil {
		t.Fatalf("unexpected site id error: %v", err)
	}
	return site
}

func write(table, pks, cid, value string) Write {
	return Write{Table: table, PKs: pks, CID: cid, Value: protocol.StringValue(value)}
}
