package replication

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/bichsonnhat/cr-sqlite/internal/protocol"
	"github.com/stretchr/testify/require"
)

const eventuallyTimeout = 2 * time.Second

type fakeChange struct {
	change protocol.Change
	origin protocol.SiteID
}

type applyCall struct {
	changes []protocol.Change
	sender  protocol.SiteID
	seq     protocol.Seq
}

type fakeDB struct {
	mu            sync.Mutex
	site          protocol.SiteID
	schemaName    string
	schemaVersion int64
	changes       []fakeChange
	lastSeens     []protocol.LastSeen
	applyCalls    []applyCall
	applyErr      error
	pullCalls     int
	subscribers   map[int]chan struct{}
	nextID        int
}

func newFakeDB(site protocol.SiteID) *fakeDB {
	return &fakeDB{
		site:          site,
		schemaName:    "todo",
		schemaVersion: 1,
		subscribers:   make(map[int]chan struct{}),
	}
}

func (db *fakeDB) SiteID() protocol.SiteID {
	return db.site
}

func (db *fakeDB) ApplyChangesetAndSetLastSeen(_ context.Context, changes []protocol.Change, sender protocol.SiteID, seq protocol.Seq) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.applyErr != nil {
		return db.applyErr
	}
	db.applyCalls = append(db.applyCalls, applyCall{changes: changes, sender: sender, seq: seq})
	return nil
}

func (db *fakeDB) GetLastSeens(context.Context) ([]protocol.LastSeen, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return append([]protocol.LastSeen(nil), db.lastSeens...), nil
}

func (db *fakeDB) GetSchemaNameAndVersion(context.Context) (string, int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.schemaName, db.schemaVersion, nil
}

func (db *fakeDB) PullChangeset(_ context.Context, since protocol.Seq, exclude []protocol.SiteID, limit int) ([]protocol.Change, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.pullCalls++

	excluded := make(map[protocol.SiteID]bool, len(exclude))
	for _, site := range exclude {
		excluded[site] = true
	}
	candidates := make([]protocol.Change, 0, len(db.changes))
	for _, entry := range db.changes {
		if entry.change.DBVersion <= since.Version || excluded[entry.origin] {
			continue
		}
		candidates = append(candidates, entry.change)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].DBVersion < candidates[j].DBVersion
	})

	var result []protocol.Change
	for start := 0; start < len(candidates); {
		end := start
		for end < len(candidates) && candidates[end].DBVersion == candidates[start].DBVersion {
			end++
		}
		if len(result) > 0 && len(result)+end-start > limit {
			break
		}
		result = append(result, candidates[start:end]...)
		start = end
	}
	return result, nil
}

func (db *fakeDB) Subscribe(context.Context) (<-chan struct{}, func()) {
	db.mu.Lock()
	defer db.mu.Unlock()
	id := db.nextID
	db.nextID++
	channel := make(chan struct{}, 1)
	db.subscribers[id] = channel
	return channel, func() {
		db.mu.Lock()
		defer db.mu.Unlock()
		delete(db.subscribers, id)
	}
}

func (db *fakeDB) addChange(origin protocol.SiteID, dbVersion int64, cid string) {
	db.mu.Lock()
	db.changes = append(db.changes, fakeChange{
		change: protocol.Change{Table: "todo", PKs: "1", CID: cid, Value: protocol.StringValue(cid), ColVersion: 1, DBVersion: dbVersion},
		origin: origin,
	})
	for _, channel := range db.subscribers {
		select {
		case channel <- struct{}{}:
		default:
		}
	}
	db.mu.Unlock()
}

func (db *fakeDB) applied() []applyCall {
	db.mu.Lock()
	defer db.mu.Unlock()
	return append([]applyCall(nil), db.applyCalls...)
}

type fakeTransport struct {
	mu         sync.Mutex
	handler    Handler
	sent       []protocol.Message
	sendErr    error
	closeCalls int
}

func (t *fakeTransport) Send(ctx context.Context, msg protocol.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sendErr != nil {
		return t.sendErr
	}
	t.sent = append(t.sent, msg)
	return nil
}

func (t *fakeTransport) Register(handler Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.handler != nil {
		return ErrHandlerRegistered
	}
	t.handler = handler
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeCalls++
	return nil
}

func (t *fakeTransport) messages() []protocol.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]protocol.Message(nil), t.sent...)
}

func (t *fakeTransport) changes() []protocol.Changes {
	var batches []protocol.Changes
	for _, msg := range t.messages() {
		if batch, ok := msg.(protocol.Changes); ok {
			batches = append(batches, batch)
		}
	}
	return batches
}

func (t *fakeTransport) setSendErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sendErr = err
}

func siteFromByte(value byte) protocol.SiteID {
	var site protocol.SiteID
	for index := range site {
		site[index] = value
	}
	return site
}

func waitForChanges(testContext *testing.T, transport *fakeTransport, count int) []protocol.Changes {
	testContext.Helper()
	require.Eventually(testContext, func() bool {
		return len(transport.changes()) >= count
	}, eventuallyTimeout, 5*time.Millisecond)
	return transport.changes()
}
