package replication

import (
	"context"
	"errors"
	"fmt"

	"github.com/bichsonnhat/cr-sqlite/internal/protocol"
)

var (
	// ErrUnexpectedMessage indicates a message kind the receiving handler does not serve.
	ErrUnexpectedMessage = errors.New("replication: unexpected message")
	// ErrHandlerRegistered indicates a second handler registration on one transport.
	ErrHandlerRegistered = errors.New("replication: handler already registered")
	// ErrTransportClosed indicates use of a closed transport.
	ErrTransportClosed = errors.New("replication: transport closed")
	// ErrMalformedBatch indicates a change batch whose db versions run backwards.
	ErrMalformedBatch = errors.New("replication: malformed change batch")
)

// DB is the database engine a SyncedDB replicates.
type DB interface {
	SiteID() protocol.SiteID
	// ApplyChangesetAndSetLastSeen merges changes attributed to sender and
	// records seq as its watermark in one atomic step.
	ApplyChangesetAndSetLastSeen(ctx context.Context, changes []protocol.Change, sender protocol.SiteID, seq protocol.Seq) error
	GetLastSeens(ctx context.Context) ([]protocol.LastSeen, error)
	GetSchemaNameAndVersion(ctx context.Context) (string, int64, error)
	// PullChangeset returns changes with a db version above since.Version,
	// skipping changes that originated at any excluded site. At most limit
	// changes are returned unless a single db version is larger; chunks always
	// end on a db version boundary.
	PullChangeset(ctx context.Context, since protocol.Seq, exclude []protocol.SiteID, limit int) ([]protocol.Change, error)
	// Subscribe returns a channel signalled after every committed change.
	Subscribe(ctx context.Context) (<-chan struct{}, func())
}

// Transport moves protocol messages between two replicas. Send covers the
// outbound primitives (announce presence, reject, start and reset streams,
// change batches); inbound messages reach the registered Handler.
type Transport interface {
	Send(ctx context.Context, msg protocol.Message) error
	Register(handler Handler) error
	Close() error
}

// Handler receives the inbound half of the protocol.
type Handler interface {
	OnChangesReceived(ctx context.Context, msg protocol.Changes) error
	OnStartStreaming(ctx context.Context, msg protocol.EstablishStream) error
	OnResetStream(ctx context.Context, msg protocol.RejectChanges) error
}

// PresenceHandler is implemented by handlers that react to a peer's session handshake.
type PresenceHandler interface {
	OnAnnouncePresence(ctx context.Context, msg protocol.AnnouncePresence) error
}

// ResponseHandler is implemented by handlers that consume apply responses.
type ResponseHandler interface {
	OnApplyChangesResponse(ctx context.Context, msg protocol.ApplyChangesResponse) error
}

// Dispatch routes one inbound message to the handler.
func Dispatch(ctx context.Context, handler Handler, msg protocol.Message) error {
	switch m := msg.(type) {
	case protocol.Changes:
		return handler.OnChangesReceived(ctx, m)
	case protocol.EstablishStream:
		return handler.OnStartStreaming(ctx, m)
	case protocol.RejectChanges:
		return handler.OnResetStream(ctx, m)
	case protocol.AnnouncePresence:
		if presenceHandler, ok := handler.(PresenceHandler); ok {
			return presenceHandler.OnAnnouncePresence(ctx, m)
		}
		return fmt.Errorf("%w: %s", ErrUnexpectedMessage, m.Tag())
	case protocol.ApplyChangesResponse:
		if responseHandler, ok := handler.(ResponseHandler); ok {
			return responseHandler.OnApplyChangesResponse(ctx, m)
		}
		return fmt.Errorf("%w: %s", ErrUnexpectedMessage, m.Tag())
	case protocol.ApplyChanges, protocol.GetChanges, protocol.AckChanges, protocol.StreamingChanges,
		protocol.CreateOrMigrate, protocol.CreateOrMigrateResponse, protocol.GetLastSeen,
		protocol.GetLastSeenResponse, protocol.UploadSchema, protocol.ActivateSchema:
		return fmt.Errorf("%w: %s", ErrUnexpectedMessage, m.Tag())
	default:
		return fmt.Errorf("%w: %T", ErrUnexpectedMessage, msg)
	}
}
