package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/bichsonnhat/cr-sqlite/internal/database"
	"github.com/bichsonnhat/cr-sqlite/internal/protocol"
	"github.com/bichsonnhat/cr-sqlite/internal/replication"
	"go.uber.org/zap"
)

var (
	errMissingRegistry   = errors.New("database registry is required")
	errSenderMismatch    = errors.New("message sender does not match the authenticated peer")
	errSchemaMismatch    = errors.New("schema version mismatch")
	errSchemaDowngrade   = errors.New("schema version is older than the installed one")
	errUnexpectedMessage = errors.New("message is not a request")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries an "operation.reason" code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew      = "sync.service.new"
	opApplyChanges    = "sync.apply_changes"
	opGetChanges      = "sync.get_changes"
	opCreateOrMigrate = "sync.create_or_migrate"
	opGetLastSeen     = "sync.get_last_seen"
	opUploadSchema    = "sync.upload_schema"
	opActivateSchema  = "sync.activate_schema"
	opHandle          = "sync.handle"

	reasonMissingRegistry   = "missing_registry"
	reasonSenderMismatch    = "sender_mismatch"
	reasonOpenFailed        = "open_failed"
	reasonQueryFailed       = "query_failed"
	reasonApplyFailed       = "apply_failed"
	reasonMalformedBatch    = "malformed_batch"
	reasonSchemaMismatch    = "schema_mismatch"
	reasonSchemaNotFound    = "schema_not_found"
	reasonSchemaDowngrade   = "schema_downgrade"
	reasonInvalidSchema     = "invalid_schema"
	reasonCatalogFailed     = "catalog_failed"
	reasonUnexpectedMessage = "unexpected_message"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ServiceConfig wires a Service.
type ServiceConfig struct {
	Registry  *database.Registry
	BatchSize int
	Logger    *zap.Logger
}

// Service answers the request/response half of the protocol against the
// databases held by a registry.
type Service struct {
	registry  *database.Registry
	batchSize int
	logger    *zap.Logger
}

// NewService validates the configuration and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Registry == nil {
		return nil, newServiceError(opServiceNew, reasonMissingRegistry, errMissingRegistry)
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = replication.DefaultBatchSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{registry: cfg.Registry, batchSize: batchSize, logger: logger}, nil
}

// Handle serves one request from the authenticated peer. Requests without a
// reply return a nil message.
func (s *Service) Handle(ctx context.Context, requestor protocol.SiteID, msg protocol.Message) (protocol.Message, error) {
	switch request := msg.(type) {
	case protocol.ApplyChanges:
		return s.applyChanges(ctx, requestor, request)
	case protocol.GetChanges:
		return s.getChanges(ctx, requestor, request)
	case protocol.CreateOrMigrate:
		return s.createOrMigrate(ctx, requestor, request)
	case protocol.GetLastSeen:
		return s.getLastSeen(ctx, request)
	case protocol.UploadSchema:
		return nil, s.uploadSchema(ctx, request)
	case protocol.ActivateSchema:
		return nil, s.activateSchema(ctx, request)
	case protocol.AckChanges:
		s.logger.Debug("changes acknowledged",
			zap.String("requestor", requestor.String()),
			zap.Stringer("seq_end", request.SeqEnd))
		return nil, nil
	default:
		tag := "nil"
		if msg != nil {
			tag = msg.Tag().String()
		}
		s.logError(opHandle, reasonUnexpectedMessage, errUnexpectedMessage, zap.String("tag", tag))
		return nil, newServiceError(opHandle, reasonUnexpectedMessage, fmt.Errorf("%w: %s", errUnexpectedMessage, tag))
	}
}

func (s *Service) applyChanges(ctx context.Context, requestor protocol.SiteID, request protocol.ApplyChanges) (protocol.Message, error) {
	if request.FromDBID != requestor {
		s.logError(opApplyChanges, reasonSenderMismatch, errSenderMismatch, zap.String("from_dbid", request.FromDBID.String()))
		return nil, newServiceError(opApplyChanges, reasonSenderMismatch, errSenderMismatch)
	}
	store, err := s.openStore(ctx, opApplyChanges, request.ToDBID)
	if err != nil {
		return nil, err
	}

	_, schemaVersion, err := store.GetSchemaNameAndVersion(ctx)
	if err != nil {
		s.logError(opApplyChanges, reasonQueryFailed, err)
		return nil, newServiceError(opApplyChanges, reasonQueryFailed, err)
	}
	lastSeen, err := store.GetLastSeen(ctx, request.FromDBID)
	if err != nil {
		s.logError(opApplyChanges, reasonQueryFailed, err)
		return nil, newServiceError(opApplyChanges, reasonQueryFailed, err)
	}

	if request.SchemaVersion != schemaVersion {
		s.logger.Info("refusing changes on schema mismatch",
			zap.String("from_dbid", request.FromDBID.String()),
			zap.Int64("requested_schema_version", request.SchemaVersion),
			zap.Int64("schema_version", schemaVersion))
		return protocol.ApplyChangesResponse{SeqEnd: lastSeen, Status: protocol.ApplyStatusSchemaMismatch}, nil
	}
	if request.SeqStart != lastSeen {
		s.logger.Info("refusing out of order changes",
			zap.String("from_dbid", request.FromDBID.String()),
			zap.Stringer("seq_start", request.SeqStart),
			zap.Stringer("last_seen", lastSeen))
		return protocol.ApplyChangesResponse{SeqEnd: lastSeen, Status: protocol.ApplyStatusOutOfOrder}, nil
	}
	if len(request.Changes) == 0 {
		return protocol.ApplyChangesResponse{SeqEnd: lastSeen, Status: protocol.ApplyStatusOK}, nil
	}
	if err := replication.ValidateBatch(request.SeqStart, request.Changes); err != nil {
		s.logError(opApplyChanges, reasonMalformedBatch, err)
		return nil, newServiceError(opApplyChanges, reasonMalformedBatch, err)
	}

	watermark := protocol.Seq{Version: request.Changes[len(request.Changes)-1].DBVersion}
	if err := store.ApplyChangesetAndSetLastSeen(ctx, request.Changes, request.FromDBID, watermark); err != nil {
		s.logError(opApplyChanges, reasonApplyFailed, err, zap.String("from_dbid", request.FromDBID.String()))
		return nil, newServiceError(opApplyChanges, reasonApplyFailed, err)
	}
	return protocol.ApplyChangesResponse{SeqEnd: watermark, Status: protocol.ApplyStatusOK}, nil
}

func (s *Service) getChanges(ctx context.Context, requestor protocol.SiteID, request protocol.GetChanges) (protocol.Message, error) {
	if request.RequestorDBID != requestor {
		s.logError(opGetChanges, reasonSenderMismatch, errSenderMismatch, zap.String("requestor_dbid", request.RequestorDBID.String()))
		return nil, newServiceError(opGetChanges, reasonSenderMismatch, errSenderMismatch)
	}
	store, err := s.openStore(ctx, opGetChanges, request.DBID)
	if err != nil {
		return nil, err
	}

	_, schemaVersion, err := store.GetSchemaNameAndVersion(ctx)
	if err != nil {
		s.logError(opGetChanges, reasonQueryFailed, err)
		return nil, newServiceError(opGetChanges, reasonQueryFailed, err)
	}
	if request.SchemaVersion != schemaVersion {
		cause := fmt.Errorf("%w: requested %d, installed %d", errSchemaMismatch, request.SchemaVersion, schemaVersion)
		s.logError(opGetChanges, reasonSchemaMismatch, cause)
		return nil, newServiceError(opGetChanges, reasonSchemaMismatch, cause)
	}
	if request.QueryIDs != nil {
		s.logger.Debug("query ids are not interpreted", zap.Strings("query_ids", request.QueryIDs))
	}

	changes, err := store.PullChangeset(ctx, request.Since, []protocol.SiteID{request.RequestorDBID}, s.batchSize)
	if err != nil {
		s.logError(opGetChanges, reasonQueryFailed, err)
		return nil, newServiceError(opGetChanges, reasonQueryFailed, err)
	}
	seqEnd := request.Since
	if len(changes) > 0 {
		seqEnd = protocol.Seq{Version: changes[len(changes)-1].DBVersion}
	}
	return protocol.StreamingChanges{SeqStart: request.Since, SeqEnd: seqEnd, Changes: changes}, nil
}

func (s *Service) createOrMigrate(ctx context.Context, requestor protocol.SiteID, request protocol.CreateOrMigrate) (protocol.Message, error) {
	if request.RequestorDBID != requestor {
		s.logError(opCreateOrMigrate, reasonSenderMismatch, errSenderMismatch)
		return nil, newServiceError(opCreateOrMigrate, reasonSenderMismatch, errSenderMismatch)
	}
	schema, err := s.registry.Catalog().Lookup(ctx, request.SchemaName, request.SchemaVersion)
	if err != nil {
		reason := reasonCatalogFailed
		if errors.Is(err, database.ErrSchemaNotFound) {
			reason = reasonSchemaNotFound
		}
		s.logError(opCreateOrMigrate, reason, err)
		return nil, newServiceError(opCreateOrMigrate, reason, err)
	}
	store, err := s.openStore(ctx, opCreateOrMigrate, request.DBID)
	if err != nil {
		return nil, err
	}

	installedName, installedVersion, err := store.GetSchemaNameAndVersion(ctx)
	if err != nil {
		s.logError(opCreateOrMigrate, reasonQueryFailed, err)
		return nil, newServiceError(opCreateOrMigrate, reasonQueryFailed, err)
	}

	status := protocol.MigrateStatusMigrate
	switch {
	case installedName == request.SchemaName && installedVersion == request.SchemaVersion:
		status = protocol.MigrateStatusNoop
	case installedName == "":
		status = protocol.MigrateStatusApply
	case installedName == request.SchemaName && installedVersion > request.SchemaVersion:
		cause := fmt.Errorf("%w: installed %d, requested %d", errSchemaDowngrade, installedVersion, request.SchemaVersion)
		s.logError(opCreateOrMigrate, reasonSchemaDowngrade, cause)
		return nil, newServiceError(opCreateOrMigrate, reasonSchemaDowngrade, cause)
	}
	if status != protocol.MigrateStatusNoop {
		if err := store.SetSchema(ctx, schema.Name, schema.Version, schema.Content); err != nil {
			s.logError(opCreateOrMigrate, reasonApplyFailed, err)
			return nil, newServiceError(opCreateOrMigrate, reasonApplyFailed, err)
		}
	}

	lastSeen, err := store.GetLastSeen(ctx, requestor)
	if err != nil {
		s.logError(opCreateOrMigrate, reasonQueryFailed, err)
		return nil, newServiceError(opCreateOrMigrate, reasonQueryFailed, err)
	}
	s.logger.Info("database provisioned",
		zap.String("dbid", request.DBID.String()),
		zap.String("schema_name", request.SchemaName),
		zap.Int64("schema_version", request.SchemaVersion),
		zap.String("status", string(status)))
	return protocol.CreateOrMigrateResponse{Seq: lastSeen, Status: status}, nil
}

func (s *Service) getLastSeen(ctx context.Context, request protocol.GetLastSeen) (protocol.Message, error) {
	store, err := s.openStore(ctx, opGetLastSeen, request.ToDBID)
	if err != nil {
		return nil, err
	}
	lastSeen, err := store.GetLastSeen(ctx, request.FromDBID)
	if err != nil {
		s.logError(opGetLastSeen, reasonQueryFailed, err)
		return nil, newServiceError(opGetLastSeen, reasonQueryFailed, err)
	}
	return protocol.GetLastSeenResponse{Seq: lastSeen}, nil
}

func (s *Service) uploadSchema(ctx context.Context, request protocol.UploadSchema) error {
	err := s.registry.Catalog().Upload(ctx, request.Name, request.Version, request.Content, request.Activate)
	if err == nil {
		return nil
	}
	reason := reasonCatalogFailed
	switch {
	case errors.Is(err, database.ErrInvalidSchema):
		reason = reasonInvalidSchema
	case errors.Is(err, database.ErrSchemaNotFound):
		reason = reasonSchemaNotFound
	}
	s.logError(opUploadSchema, reason, err, zap.String("schema_name", request.Name))
	return newServiceError(opUploadSchema, reason, err)
}

func (s *Service) activateSchema(ctx context.Context, request protocol.ActivateSchema) error {
	err := s.registry.Catalog().Activate(ctx, request.Name, request.Version)
	if err == nil {
		return nil
	}
	reason := reasonCatalogFailed
	if errors.Is(err, database.ErrSchemaNotFound) {
		reason = reasonSchemaNotFound
	}
	s.logError(opActivateSchema, reason, err, zap.String("schema_name", request.Name))
	return newServiceError(opActivateSchema, reason, err)
}

func (s *Service) openStore(ctx context.Context, operation string, dbid protocol.SiteID) (*database.Store, error) {
	store, err := s.registry.Open(ctx, dbid)
	if err != nil {
		s.logError(operation, reasonOpenFailed, err, zap.String("dbid", dbid.String()))
		return nil, newServiceError(operation, reasonOpenFailed, err)
	}
	return store, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("sync service error", attrs...)
}
