package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/bichsonnhat/cr-sqlite/internal/protocol"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrMissingSiteInfo indicates a database that was not initialized by OpenSQLite.
	ErrMissingSiteInfo = errors.New("database: site info missing")
	// ErrInvalidWrite indicates a local write without a table, row or column.
	ErrInvalidWrite = errors.New("database: invalid write")
	// ErrStoreClosed indicates use of a closed store.
	ErrStoreClosed = errors.New("database: store closed")

	errMissingDatabase = errors.New("database handle is required")
)

const (
	opStoreNew       = "store.new"
	opStorePut       = "store.put"
	opStoreApply     = "store.apply_changeset"
	opStorePull      = "store.pull_changeset"
	opStoreLastSeens = "store.last_seens"
	opStoreSchema    = "store.schema"

	columnDBVersion      = "db_version"
	columnSiteID         = "site_id"
	orderChangesAsc      = "db_version ASC, table_name ASC, pks ASC, cid ASC"
	queryChangeKey       = "table_name = ? AND pks = ? AND cid = ?"
	queryDBVersionAbove  = columnDBVersion + " > ?"
	queryDBVersionEquals = columnDBVersion + " = ?"
	querySiteNotIn       = columnSiteID + " NOT IN ?"
	querySiteEquals      = columnSiteID + " = ?"
	querySiteInfoRow     = "id = ?"
)

// Write is one local column assignment. A nil Value clears the column.
type Write struct {
	Table string
	PKs   string
	CID   string
	Value *string
}

// Row is the current state of one column.
type Row struct {
	Table      string
	PKs        string
	CID        string
	Value      *string
	ColVersion int64
}

// StoreConfig wires a Store.
type StoreConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Store is a replica of the change log kept in SQLite. Every commit gets a
// fresh db version and wakes subscribers.
type Store struct {
	db       *gorm.DB
	logger   *zap.Logger
	site     protocol.SiteID
	notifier *Notifier

	closeOnce sync.Once
	closed    chan struct{}
}

// NewStore loads the site identity from an initialized database.
func NewStore(ctx context.Context, cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var info SiteInfo
	err := cfg.Database.WithContext(ctx).Where(querySiteInfoRow, siteInfoRowID).Take(&info).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrMissingSiteInfo
	}
	if err != nil {
		return nil, fmt.Errorf("%s: load site info: %w", opStoreNew, err)
	}
	site, err := protocol.ParseSiteID(info.SiteID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", opStoreNew, err)
	}

	return &Store{
		db:       cfg.Database,
		logger:   logger.With(zap.String("site_id", site.String())),
		site:     site,
		notifier: NewNotifier(),
		closed:   make(chan struct{}),
	}, nil
}

// OpenStore opens the SQLite file at path and wraps it in a Store.
func OpenStore(ctx context.Context, path string, logger *zap.Logger) (*Store, error) {
	db, err := OpenSQLite(path, logger)
	if err != nil {
		return nil, err
	}
	store, err := NewStore(ctx, StoreConfig{Database: db, Logger: logger})
	if err != nil {
		_ = CloseSQLite(db)
		return nil, err
	}
	return store, nil
}

// SiteID returns the identity of this replica.
func (s *Store) SiteID() protocol.SiteID {
	return s.site
}

// Close wakes subscribers for the last time and releases the connection.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.notifier.Close()
		err = CloseSQLite(s.db)
	})
	return err
}

// Subscribe returns a channel signalled after every commit that changed data.
func (s *Store) Subscribe(ctx context.Context) (<-chan struct{}, func()) {
	return s.notifier.Subscribe(ctx)
}

// Put records local writes under one new db version and returns it.
func (s *Store) Put(ctx context.Context, writes []Write) (int64, error) {
	if err := s.ensureOpen(); err != nil {
		return 0, err
	}
	if len(writes) == 0 {
		return 0, fmt.Errorf("%w: no writes", ErrInvalidWrite)
	}
	for index, write := range writes {
		if strings.TrimSpace(write.Table) == "" || write.PKs == "" || strings.TrimSpace(write.CID) == "" {
			return 0, fmt.Errorf("%w: write %d needs table, pks and cid", ErrInvalidWrite, index)
		}
	}

	var version int64
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		info, err := s.loadSiteInfo(tx)
		if err != nil {
			return err
		}
		version = info.DBVersion + 1

		for _, write := range writes {
			existing, err := s.findChange(tx, write.Table, write.PKs, write.CID)
			if err != nil {
				return err
			}
			colVersion := int64(1)
			if existing != nil {
				colVersion = existing.ColVersion + 1
			}
			record := ChangeRecord{
				Table:      write.Table,
				PKs:        write.PKs,
				CID:        write.CID,
				Value:      write.Value,
				ColVersion: colVersion,
				DBVersion:  version,
				SiteID:     s.site.String(),
			}
			if err := tx.Save(&record).Error; err != nil {
				return err
			}
		}
		return tx.Model(&SiteInfo{}).Where(querySiteInfoRow, siteInfoRowID).Update(columnDBVersion, version).Error
	})
	if txErr != nil {
		s.logError(opStorePut, "transaction_failed", txErr, zap.Int("writes", len(writes)))
		return 0, fmt.Errorf("%s: %w", opStorePut, txErr)
	}

	s.notifier.Publish()
	return version, nil
}

// ApplyChangesetAndSetLastSeen merges remote changes attributed to sender and
// raises its watermark to seq in one transaction. The watermark never moves
// backwards.
func (s *Store) ApplyChangesetAndSetLastSeen(ctx context.Context, changes []protocol.Change, sender protocol.SiteID, seq protocol.Seq) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}

	changed := false
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		info, err := s.loadSiteInfo(tx)
		if err != nil {
			return err
		}
		version := info.DBVersion + 1

		for _, incoming := range changes {
			existing, err := s.findChange(tx, incoming.Table, incoming.PKs, incoming.CID)
			if err != nil {
				return err
			}
			if !wins(incoming, existing) {
				continue
			}
			record := ChangeRecord{
				Table:      incoming.Table,
				PKs:        incoming.PKs,
				CID:        incoming.CID,
				Value:      incoming.Value,
				ColVersion: incoming.ColVersion,
				DBVersion:  version,
				SiteID:     sender.String(),
			}
			if err := tx.Save(&record).Error; err != nil {
				return err
			}
			changed = true
		}
		if changed {
			if err := tx.Model(&SiteInfo{}).Where(querySiteInfoRow, siteInfoRowID).Update(columnDBVersion, version).Error; err != nil {
				return err
			}
		}
		return s.raiseWatermark(tx, sender, seq)
	})
	if txErr != nil {
		s.logError(opStoreApply, "transaction_failed", txErr,
			zap.String("sender", sender.String()),
			zap.Int("changes", len(changes)))
		return fmt.Errorf("%s: %w", opStoreApply, txErr)
	}

	if changed {
		s.notifier.Publish()
	}
	return nil
}

// PullChangeset returns changes above since.Version in db version order,
// skipping those learned from excluded sites. A chunk never splits a db
// version: it holds at most limit changes unless one version alone is larger.
// A non-positive limit returns everything.
func (s *Store) PullChangeset(ctx context.Context, since protocol.Seq, exclude []protocol.SiteID, limit int) ([]protocol.Change, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}

	query := s.changesQuery(ctx, exclude).Where(queryDBVersionAbove, since.Version).Order(orderChangesAsc)
	if limit > 0 {
		query = query.Limit(limit + 1)
	}
	var records []ChangeRecord
	if err := query.Find(&records).Error; err != nil {
		s.logError(opStorePull, "query_failed", err, zap.Stringer("since", since))
		return nil, fmt.Errorf("%s: %w", opStorePull, err)
	}

	if limit > 0 && len(records) > limit {
		boundary := records[limit-1].DBVersion
		switch {
		case records[limit].DBVersion != boundary:
			records = records[:limit]
		case records[0].DBVersion != boundary:
			cut := limit - 1
			for cut > 0 && records[cut-1].DBVersion == boundary {
				cut--
			}
			records = records[:cut]
		default:
			var whole []ChangeRecord
			err := s.changesQuery(ctx, exclude).Where(queryDBVersionEquals, boundary).Order(orderChangesAsc).Find(&whole).Error
			if err != nil {
				s.logError(opStorePull, "query_failed", err, zap.Int64("db_version", boundary))
				return nil, fmt.Errorf("%s: %w", opStorePull, err)
			}
			records = whole
		}
	}

	if len(records) == 0 {
		return nil, nil
	}
	changes := make([]protocol.Change, 0, len(records))
	for _, record := range records {
		changes = append(changes, protocol.Change{
			Table:      record.Table,
			PKs:        record.PKs,
			CID:        record.CID,
			Value:      record.Value,
			ColVersion: record.ColVersion,
			DBVersion:  record.DBVersion,
		})
	}
	return changes, nil
}

// GetLastSeens returns every recorded peer watermark.
func (s *Store) GetLastSeens(ctx context.Context) ([]protocol.LastSeen, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	var peers []TrackedPeer
	if err := s.db.WithContext(ctx).Order("site_id ASC").Find(&peers).Error; err != nil {
		s.logError(opStoreLastSeens, "query_failed", err)
		return nil, fmt.Errorf("%s: %w", opStoreLastSeens, err)
	}
	if len(peers) == 0 {
		return nil, nil
	}
	entries := make([]protocol.LastSeen, 0, len(peers))
	for _, peer := range peers {
		site, err := protocol.ParseSiteID(peer.SiteID)
		if err != nil {
			s.logError(opStoreLastSeens, "site_id_invalid", err, zap.String("stored_site_id", peer.SiteID))
			return nil, fmt.Errorf("%s: %w", opStoreLastSeens, err)
		}
		entries = append(entries, protocol.LastSeen{Site: site, Seq: protocol.Seq{Version: peer.Version, Counter: peer.Counter}})
	}
	return entries, nil
}

// GetLastSeen returns the watermark for one peer, (0, 0) when unknown.
func (s *Store) GetLastSeen(ctx context.Context, site protocol.SiteID) (protocol.Seq, error) {
	if err := s.ensureOpen(); err != nil {
		return protocol.Seq{}, err
	}
	var peer TrackedPeer
	err := s.db.WithContext(ctx).Where(querySiteEquals, site.String()).Take(&peer).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return protocol.Seq{}, nil
	}
	if err != nil {
		s.logError(opStoreLastSeens, "query_failed", err, zap.String("peer", site.String()))
		return protocol.Seq{}, fmt.Errorf("%s: %w", opStoreLastSeens, err)
	}
	return protocol.Seq{Version: peer.Version, Counter: peer.Counter}, nil
}

// GetSchemaNameAndVersion returns the schema the replica runs. An
// unprovisioned replica reports ("", 0).
func (s *Store) GetSchemaNameAndVersion(ctx context.Context) (string, int64, error) {
	if err := s.ensureOpen(); err != nil {
		return "", 0, err
	}
	info, err := s.loadSiteInfo(s.db.WithContext(ctx))
	if err != nil {
		s.logError(opStoreSchema, "query_failed", err)
		return "", 0, fmt.Errorf("%s: %w", opStoreSchema, err)
	}
	return info.SchemaName, info.SchemaVersion, nil
}

// SetSchema records the schema the replica runs.
func (s *Store) SetSchema(ctx context.Context, name string, version int64, content string) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	err := s.db.WithContext(ctx).Model(&SiteInfo{}).Where(querySiteInfoRow, siteInfoRowID).Updates(map[string]any{
		"schema_name":    name,
		"schema_version": version,
		"schema_content": content,
	}).Error
	if err != nil {
		s.logError(opStoreSchema, "update_failed", err, zap.String("schema_name", name), zap.Int64("schema_version", version))
		return fmt.Errorf("%s: %w", opStoreSchema, err)
	}
	s.logger.Info("schema set", zap.String("schema_name", name), zap.Int64("schema_version", version))
	return nil
}

// DBVersion returns the last db version this replica assigned.
func (s *Store) DBVersion(ctx context.Context) (int64, error) {
	if err := s.ensureOpen(); err != nil {
		return 0, err
	}
	info, err := s.loadSiteInfo(s.db.WithContext(ctx))
	if err != nil {
		return 0, err
	}
	return info.DBVersion, nil
}

// Rows returns the current value of every column ordered by table, row and column.
func (s *Store) Rows(ctx context.Context) ([]Row, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	var records []ChangeRecord
	if err := s.db.WithContext(ctx).Order("table_name ASC, pks ASC, cid ASC").Find(&records).Error; err != nil {
		return nil, err
	}
	rows := make([]Row, 0, len(records))
	for _, record := range records {
		rows = append(rows, Row{
			Table:      record.Table,
			PKs:        record.PKs,
			CID:        record.CID,
			Value:      record.Value,
			ColVersion: record.ColVersion,
		})
	}
	return rows, nil
}

func (s *Store) changesQuery(ctx context.Context, exclude []protocol.SiteID) *gorm.DB {
	query := s.db.WithContext(ctx).Model(&ChangeRecord{})
	if len(exclude) > 0 {
		excluded := make([]string, 0, len(exclude))
		for _, site := range exclude {
			excluded = append(excluded, site.String())
		}
		query = query.Where(querySiteNotIn, excluded)
	}
	return query
}

func (s *Store) loadSiteInfo(tx *gorm.DB) (SiteInfo, error) {
	var info SiteInfo
	err := tx.Where(querySiteInfoRow, siteInfoRowID).Take(&info).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SiteInfo{}, ErrMissingSiteInfo
	}
	return info, err
}

func (s *Store) findChange(tx *gorm.DB, table, pks, cid string) (*ChangeRecord, error) {
	var existing ChangeRecord
	err := tx.Where(queryChangeKey, table, pks, cid).Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &existing, nil
}

func (s *Store) raiseWatermark(tx *gorm.DB, sender protocol.SiteID, seq protocol.Seq) error {
	var peer TrackedPeer
	err := tx.Where(querySiteEquals, sender.String()).Take(&peer).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&TrackedPeer{
			SiteID:  sender.String(),
			Version: seq.Version,
			Counter: seq.Counter,
		}).Error
	}
	if err != nil {
		return err
	}
	current := protocol.Seq{Version: peer.Version, Counter: peer.Counter}
	if !current.Less(seq) {
		return nil
	}
	return tx.Model(&TrackedPeer{}).Where(querySiteEquals, sender.String()).Updates(map[string]any{
		"version": seq.Version,
		"counter": seq.Counter,
	}).Error
}

func (s *Store) ensureOpen() error {
	select {
	case <-s.closed:
		return ErrStoreClosed
	default:
		return nil
	}
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("store error", attrs...)
}

// wins reports whether incoming replaces existing: the higher column version
// wins, ties go to the larger value with null lowest.
func wins(incoming protocol.Change, existing *ChangeRecord) bool {
	if existing == nil {
		return true
	}
	if incoming.ColVersion != existing.ColVersion {
		return incoming.ColVersion > existing.ColVersion
	}
	return compareValues(incoming.Value, existing.Value) > 0
}

func compareValues(left, right *string) int {
	switch {
	case left == nil && right == nil:
		return 0
	case left == nil:
		return -1
	case right == nil:
		return 1
	default:
		return strings.Compare(*left, *right)
	}
}
