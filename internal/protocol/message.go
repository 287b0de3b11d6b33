package protocol

import "fmt"

// Tag discriminates message variants on the wire. Values are stable.
type Tag int

const (
	TagApplyChanges            Tag = 0
	TagGetChanges              Tag = 1
	TagEstablishStream         Tag = 2
	TagAckChanges              Tag = 3
	TagStreamingChanges        Tag = 4
	TagApplyChangesResponse    Tag = 5
	TagCreateOrMigrate         Tag = 6
	TagCreateOrMigrateResponse Tag = 7
	TagGetLastSeen             Tag = 8
	TagGetLastSeenResponse     Tag = 9
	TagUploadSchema            Tag = 10
	TagActivateSchema          Tag = 11
	TagAnnouncePresence        Tag = 12
	TagChanges                 Tag = 13
	TagRejectChanges           Tag = 14
)

var tagNames = map[Tag]string{
	TagApplyChanges:            "ApplyChanges",
	TagGetChanges:              "GetChanges",
	TagEstablishStream:         "EstablishStream",
	TagAckChanges:              "AckChanges",
	TagStreamingChanges:        "StreamingChanges",
	TagApplyChangesResponse:    "ApplyChangesResponse",
	TagCreateOrMigrate:         "CreateOrMigrate",
	TagCreateOrMigrateResponse: "CreateOrMigrateResponse",
	TagGetLastSeen:             "GetLastSeen",
	TagGetLastSeenResponse:     "GetLastSeenResponse",
	TagUploadSchema:            "UploadSchema",
	TagActivateSchema:          "ActivateSchema",
	TagAnnouncePresence:        "AnnouncePresence",
	TagChanges:                 "Changes",
	TagRejectChanges:           "RejectChanges",
}

func (t Tag) String() string {
	if name, ok := tagNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Tag(%d)", int(t))
}

// Message is the closed set of protocol messages. Only types in this package
// implement it.
type Message interface {
	Tag() Tag
	sealed()
}

// ApplyStatus is the outcome reported in an ApplyChangesResponse.
type ApplyStatus string

const (
	ApplyStatusOK             ApplyStatus = "ok"
	ApplyStatusSchemaMismatch ApplyStatus = "schemaMismatch"
	ApplyStatusOutOfOrder     ApplyStatus = "outOfOrder"
)

func (s ApplyStatus) valid() bool {
	switch s {
	case ApplyStatusOK, ApplyStatusSchemaMismatch, ApplyStatusOutOfOrder:
		return true
	default:
		return false
	}
}

// MigrateStatus is the outcome reported in a CreateOrMigrateResponse.
type MigrateStatus string

const (
	MigrateStatusNoop    MigrateStatus = "noop"
	MigrateStatusApply   MigrateStatus = "apply"
	MigrateStatusMigrate MigrateStatus = "migrate"
)

func (s MigrateStatus) valid() bool {
	switch s {
	case MigrateStatusNoop, MigrateStatusApply, MigrateStatusMigrate:
		return true
	default:
		return false
	}
}

// ApplyChanges pushes a batch of changes to a database. The schema version
// lets the receiver fence stale clients before touching storage.
type ApplyChanges struct {
	ToDBID        SiteID
	FromDBID      SiteID
	SchemaVersion int64
	SeqStart      Seq
	Changes       []Change
}

// GetChanges pulls changes made to DBID since the given watermark.
// QueryIDs is carried opaquely; nil means the field was absent.
type GetChanges struct {
	DBID          SiteID
	RequestorDBID SiteID
	Since         Seq
	SchemaVersion int64
	QueryIDs      []string
}

// EstablishStream asks ToDBID to stream its changes to FromDBID starting
// after SeqStart.
type EstablishStream struct {
	ToDBID        SiteID
	FromDBID      SiteID
	SeqStart      Seq
	SchemaVersion int64
	QueryIDs      []string
}

// AckChanges acknowledges receipt up to SeqEnd. It is advisory.
type AckChanges struct {
	SeqEnd Seq
}

// StreamingChanges carries one chunk of a pull or established stream.
type StreamingChanges struct {
	SeqStart Seq
	SeqEnd   Seq
	Changes  []Change
}

// ApplyChangesResponse answers an ApplyChanges request.
type ApplyChangesResponse struct {
	SeqEnd Seq
	Status ApplyStatus
}

// CreateOrMigrate provisions DBID with a schema or migrates it.
type CreateOrMigrate struct {
	DBID          SiteID
	RequestorDBID SiteID
	SchemaName    string
	SchemaVersion int64
}

// CreateOrMigrateResponse answers CreateOrMigrate with the watermark the
// database holds for the requestor.
type CreateOrMigrateResponse struct {
	Seq    Seq
	Status MigrateStatus
}

// GetLastSeen asks ToDBID for the watermark it holds for FromDBID.
type GetLastSeen struct {
	ToDBID   SiteID
	FromDBID SiteID
}

// GetLastSeenResponse answers GetLastSeen.
type GetLastSeenResponse struct {
	Seq Seq
}

// UploadSchema publishes a schema definition.
type UploadSchema struct {
	Name     string
	Version  int64
	Content  string
	Activate bool
}

// ActivateSchema switches the active version of a schema.
type ActivateSchema struct {
	Name    string
	Version int64
}

// AnnouncePresence opens a session: it tells the peer what the sender has
// already seen and which schema it runs.
type AnnouncePresence struct {
	Sender        SiteID
	LastSeens     []LastSeen
	SchemaName    string
	SchemaVersion int64
}

// Changes is a batch pushed by Sender starting after Since.
type Changes struct {
	Sender  SiteID
	Since   Seq
	Changes []Change
}

// RejectChanges refuses a batch and carries the receiver's true watermark
// for Whose.
type RejectChanges struct {
	Whose SiteID
	Since Seq
}

func (ApplyChanges) Tag() Tag            { return TagApplyChanges }
func (GetChanges) Tag() Tag              { return TagGetChanges }
func (EstablishStream) Tag() Tag         { return TagEstablishStream }
func (AckChanges) Tag() Tag              { return TagAckChanges }
func (StreamingChanges) Tag() Tag        { return TagStreamingChanges }
func (ApplyChangesResponse) Tag() Tag    { return TagApplyChangesResponse }
func (CreateOrMigrate) Tag() Tag         { return TagCreateOrMigrate }
func (CreateOrMigrateResponse) Tag() Tag { return TagCreateOrMigrateResponse }
func (GetLastSeen) Tag() Tag             { return TagGetLastSeen }
func (GetLastSeenResponse) Tag() Tag     { return TagGetLastSeenResponse }
func (UploadSchema) Tag() Tag            { return TagUploadSchema }
func (ActivateSchema) Tag() Tag          { return TagActivateSchema }
func (AnnouncePresence) Tag() Tag        { return TagAnnouncePresence }
func (Changes) Tag() Tag                 { return TagChanges }
func (RejectChanges) Tag() Tag           { return TagRejectChanges }

func (ApplyChanges) sealed()            {}
func (GetChanges) sealed()              {}
func (EstablishStream) sealed()         {}
func (AckChanges) sealed()              {}
func (StreamingChanges) sealed()        {}
func (ApplyChangesResponse) sealed()    {}
func (CreateOrMigrate) sealed()         {}
func (CreateOrMigrateResponse) sealed() {}
func (GetLastSeen) sealed()             {}
func (GetLastSeenResponse) sealed()     {}
func (UploadSchema) sealed()            {}
func (ActivateSchema) sealed()          {}
func (AnnouncePresence) sealed()        {}
func (Changes) sealed()                 {}
func (RejectChanges) sealed()           {}
