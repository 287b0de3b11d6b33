package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"unicode/utf8"
)

// Wire form: one JSON object per message with a numeric "_tag". int64 values
// travel as decimal strings, site ids as lowercase hex, Seq as
// ["<version>", counter] and Change as a 6-element array.

const (
	fieldTag           = "_tag"
	fieldToDBID        = "toDbid"
	fieldFromDBID      = "fromDbid"
	fieldDBID          = "dbid"
	fieldRequestorDBID = "requestorDbid"
	fieldSchemaVersion = "schemaVersion"
	fieldSchemaName    = "schemaName"
	fieldSeqStart      = "seqStart"
	fieldSeqEnd        = "seqEnd"
	fieldSeq           = "seq"
	fieldSince         = "since"
	fieldChanges       = "changes"
	fieldQueryIDs      = "queryIds"
	fieldStatus        = "status"
	fieldName          = "name"
	fieldVersion       = "version"
	fieldContent       = "content"
	fieldActivate      = "activate"
	fieldSender        = "sender"
	fieldLastSeens     = "lastSeens"
	fieldWhose         = "whose"

	seqArity      = 2
	changeArity   = 6
	lastSeenArity = 2
)

var jsonNull = []byte("null")

// Encode serializes a message to its wire form.
func Encode(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, &EncodeError{Field: fieldTag, Err: ErrNullField}
	}
	e := newObjectEncoder(msg.Tag())
	switch m := msg.(type) {
	case ApplyChanges:
		e.site(fieldToDBID, m.ToDBID)
		e.site(fieldFromDBID, m.FromDBID)
		e.int64(fieldSchemaVersion, m.SchemaVersion)
		e.seq(fieldSeqStart, m.SeqStart)
		e.changes(fieldChanges, m.Changes)
	case GetChanges:
		e.site(fieldDBID, m.DBID)
		e.site(fieldRequestorDBID, m.RequestorDBID)
		e.seq(fieldSince, m.Since)
		e.int64(fieldSchemaVersion, m.SchemaVersion)
		e.queryIDs(m.QueryIDs)
	case EstablishStream:
		e.site(fieldToDBID, m.ToDBID)
		e.site(fieldFromDBID, m.FromDBID)
		e.seq(fieldSeqStart, m.SeqStart)
		e.int64(fieldSchemaVersion, m.SchemaVersion)
		e.queryIDs(m.QueryIDs)
	case AckChanges:
		e.seq(fieldSeqEnd, m.SeqEnd)
	case StreamingChanges:
		e.seq(fieldSeqStart, m.SeqStart)
		e.seq(fieldSeqEnd, m.SeqEnd)
		e.changes(fieldChanges, m.Changes)
	case ApplyChangesResponse:
		e.seq(fieldSeqEnd, m.SeqEnd)
		if !m.Status.valid() {
			e.fail(fieldStatus, fmt.Errorf("%w: %q", ErrUnknownStatus, m.Status))
		}
		e.string(fieldStatus, string(m.Status))
	case CreateOrMigrate:
		e.site(fieldDBID, m.DBID)
		e.site(fieldRequestorDBID, m.RequestorDBID)
		e.string(fieldSchemaName, m.SchemaName)
		e.int64(fieldSchemaVersion, m.SchemaVersion)
	case CreateOrMigrateResponse:
		e.seq(fieldSeq, m.Seq)
		if !m.Status.valid() {
			e.fail(fieldStatus, fmt.Errorf("%w: %q", ErrUnknownStatus, m.Status))
		}
		e.string(fieldStatus, string(m.Status))
	case GetLastSeen:
		e.site(fieldToDBID, m.ToDBID)
		e.site(fieldFromDBID, m.FromDBID)
	case GetLastSeenResponse:
		e.seq(fieldSeq, m.Seq)
	case UploadSchema:
		e.string(fieldName, m.Name)
		e.int64(fieldVersion, m.Version)
		e.string(fieldContent, m.Content)
		e.bool(fieldActivate, m.Activate)
	case ActivateSchema:
		e.string(fieldName, m.Name)
		e.int64(fieldVersion, m.Version)
	case AnnouncePresence:
		e.site(fieldSender, m.Sender)
		e.lastSeens(fieldLastSeens, m.LastSeens)
		e.string(fieldSchemaName, m.SchemaName)
		e.int64(fieldSchemaVersion, m.SchemaVersion)
	case Changes:
		e.site(fieldSender, m.Sender)
		e.seq(fieldSince, m.Since)
		e.changes(fieldChanges, m.Changes)
	case RejectChanges:
		e.site(fieldWhose, m.Whose)
		e.seq(fieldSince, m.Since)
	default:
		return nil, &EncodeError{Field: fieldTag, Err: fmt.Errorf("%w: %T", ErrUnknownTag, msg)}
	}
	return e.finish()
}

// Decode parses the wire form of a message. Any malformed or missing field
// yields a *DecodeError naming it.
func Decode(data []byte) (Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, &DecodeError{Field: "message", Err: err}
	}
	if fields == nil {
		return nil, &DecodeError{Field: "message", Err: ErrNullField}
	}
	d := &objectDecoder{fields: fields}
	tag := d.tag()
	if d.err != nil {
		return nil, d.err
	}

	var msg Message
	switch tag {
	case TagApplyChanges:
		msg = ApplyChanges{
			ToDBID:        d.site(fieldToDBID),
			FromDBID:      d.site(fieldFromDBID),
			SchemaVersion: d.int64(fieldSchemaVersion),
			SeqStart:      d.seq(fieldSeqStart),
			Changes:       d.changes(fieldChanges),
		}
	case TagGetChanges:
		msg = GetChanges{
			DBID:          d.site(fieldDBID),
			RequestorDBID: d.site(fieldRequestorDBID),
			Since:         d.seq(fieldSince),
			SchemaVersion: d.int64(fieldSchemaVersion),
			QueryIDs:      d.queryIDs(),
		}
	case TagEstablishStream:
		msg = EstablishStream{
			ToDBID:        d.site(fieldToDBID),
			FromDBID:      d.site(fieldFromDBID),
			SeqStart:      d.seq(fieldSeqStart),
			SchemaVersion: d.int64(fieldSchemaVersion),
			QueryIDs:      d.queryIDs(),
		}
	case TagAckChanges:
		msg = AckChanges{SeqEnd: d.seq(fieldSeqEnd)}
	case TagStreamingChanges:
		msg = StreamingChanges{
			SeqStart: d.seq(fieldSeqStart),
			SeqEnd:   d.seq(fieldSeqEnd),
			Changes:  d.changes(fieldChanges),
		}
	case TagApplyChangesResponse:
		seqEnd := d.seq(fieldSeqEnd)
		status := ApplyStatus(d.string(fieldStatus))
		if d.err == nil && !status.valid() {
			d.fail(fieldStatus, fmt.Errorf("%w: %q", ErrUnknownStatus, status))
		}
		msg = ApplyChangesResponse{SeqEnd: seqEnd, Status: status}
	case TagCreateOrMigrate:
		msg = CreateOrMigrate{
			DBID:          d.site(fieldDBID),
			RequestorDBID: d.site(fieldRequestorDBID),
			SchemaName:    d.string(fieldSchemaName),
			SchemaVersion: d.int64(fieldSchemaVersion),
		}
	case TagCreateOrMigrateResponse:
		seq := d.seq(fieldSeq)
		status := MigrateStatus(d.string(fieldStatus))
		if d.err == nil && !status.valid() {
			d.fail(fieldStatus, fmt.Errorf("%w: %q", ErrUnknownStatus, status))
		}
		msg = CreateOrMigrateResponse{Seq: seq, Status: status}
	case TagGetLastSeen:
		msg = GetLastSeen{
			ToDBID:   d.site(fieldToDBID),
			FromDBID: d.site(fieldFromDBID),
		}
	case TagGetLastSeenResponse:
		msg = GetLastSeenResponse{Seq: d.seq(fieldSeq)}
	case TagUploadSchema:
		msg = UploadSchema{
			Name:     d.string(fieldName),
			Version:  d.int64(fieldVersion),
			Content:  d.string(fieldContent),
			Activate: d.bool(fieldActivate),
		}
	case TagActivateSchema:
		msg = ActivateSchema{
			Name:    d.string(fieldName),
			Version: d.int64(fieldVersion),
		}
	case TagAnnouncePresence:
		msg = AnnouncePresence{
			Sender:        d.site(fieldSender),
			LastSeens:     d.lastSeens(fieldLastSeens),
			SchemaName:    d.string(fieldSchemaName),
			SchemaVersion: d.int64(fieldSchemaVersion),
		}
	case TagChanges:
		msg = Changes{
			Sender:  d.site(fieldSender),
			Since:   d.seq(fieldSince),
			Changes: d.changes(fieldChanges),
		}
	case TagRejectChanges:
		msg = RejectChanges{
			Whose: d.site(fieldWhose),
			Since: d.seq(fieldSince),
		}
	default:
		return nil, &DecodeError{Field: fieldTag, Err: fmt.Errorf("%w: %d", ErrUnknownTag, int(tag))}
	}
	if d.err != nil {
		return nil, d.err
	}
	return msg, nil
}

type objectEncoder struct {
	buf bytes.Buffer
	err error
}

func newObjectEncoder(tag Tag) *objectEncoder {
	e := &objectEncoder{}
	e.buf.WriteString(`{"` + fieldTag + `":`)
	e.buf.WriteString(strconv.Itoa(int(tag)))
	return e
}

func (e *objectEncoder) fail(field string, err error) {
	if e.err == nil {
		e.err = &EncodeError{Field: field, Err: err}
	}
}

func (e *objectEncoder) key(name string) {
	e.buf.WriteString(`,"`)
	e.buf.WriteString(name)
	e.buf.WriteString(`":`)
}

func (e *objectEncoder) string(name, value string) {
	e.key(name)
	e.writeString(name, value)
}

func (e *objectEncoder) writeString(field, value string) {
	if !utf8.ValidString(value) {
		e.fail(field, ErrInvalidString)
		return
	}
	raw, err := json.Marshal(value)
	if err != nil {
		e.fail(field, err)
		return
	}
	e.buf.Write(raw)
}

func (e *objectEncoder) int64(name string, value int64) {
	e.key(name)
	e.writeInt64(value)
}

func (e *objectEncoder) writeInt64(value int64) {
	e.buf.WriteByte('"')
	e.buf.WriteString(strconv.FormatInt(value, 10))
	e.buf.WriteByte('"')
}

func (e *objectEncoder) bool(name string, value bool) {
	e.key(name)
	e.buf.WriteString(strconv.FormatBool(value))
}

func (e *objectEncoder) site(name string, id SiteID) {
	e.key(name)
	e.writeSite(id)
}

func (e *objectEncoder) writeSite(id SiteID) {
	e.buf.WriteByte('"')
	e.buf.WriteString(id.String())
	e.buf.WriteByte('"')
}

func (e *objectEncoder) seq(name string, seq Seq) {
	e.key(name)
	e.writeSeq(name, seq)
}

func (e *objectEncoder) writeSeq(field string, seq Seq) {
	if seq.Counter < 0 {
		e.fail(field, fmt.Errorf("%w: negative counter %d", ErrInvalidSeq, seq.Counter))
	}
	e.buf.WriteByte('[')
	e.writeInt64(seq.Version)
	e.buf.WriteByte(',')
	e.buf.WriteString(strconv.Itoa(seq.Counter))
	e.buf.WriteByte(']')
}

func (e *objectEncoder) changes(name string, changes []Change) {
	e.key(name)
	e.buf.WriteByte('[')
	for index, change := range changes {
		if index > 0 {
			e.buf.WriteByte(',')
		}
		field := fmt.Sprintf("%s[%d]", name, index)
		e.buf.WriteByte('[')
		e.writeString(field, change.Table)
		e.buf.WriteByte(',')
		e.writeString(field, change.PKs)
		e.buf.WriteByte(',')
		e.writeString(field, change.CID)
		e.buf.WriteByte(',')
		if change.Value == nil {
			e.buf.Write(jsonNull)
		} else {
			e.writeString(field, *change.Value)
		}
		e.buf.WriteByte(',')
		e.writeInt64(change.ColVersion)
		e.buf.WriteByte(',')
		e.writeInt64(change.DBVersion)
		e.buf.WriteByte(']')
	}
	e.buf.WriteByte(']')
}

func (e *objectEncoder) lastSeens(name string, entries []LastSeen) {
	e.key(name)
	e.buf.WriteByte('[')
	for index, entry := range entries {
		if index > 0 {
			e.buf.WriteByte(',')
		}
		e.buf.WriteByte('[')
		e.writeSite(entry.Site)
		e.buf.WriteByte(',')
		e.writeSeq(fmt.Sprintf("%s[%d]", name, index), entry.Seq)
		e.buf.WriteByte(']')
	}
	e.buf.WriteByte(']')
}

func (e *objectEncoder) queryIDs(ids []string) {
	if ids == nil {
		return
	}
	e.key(fieldQueryIDs)
	e.buf.WriteByte('[')
	for index, id := range ids {
		if index > 0 {
			e.buf.WriteByte(',')
		}
		e.writeString(fmt.Sprintf("%s[%d]", fieldQueryIDs, index), id)
	}
	e.buf.WriteByte(']')
}

func (e *objectEncoder) finish() ([]byte, error) {
	if e.err != nil {
		return nil, e.err
	}
	e.buf.WriteByte('}')
	return e.buf.Bytes(), nil
}

// objectDecoder reads fields from a decoded wire object. The first failure
// sticks; later reads return zero values.
type objectDecoder struct {
	fields map[string]json.RawMessage
	err    error
}

func (d *objectDecoder) fail(field string, err error) {
	if d.err == nil {
		d.err = &DecodeError{Field: field, Err: err}
	}
}

func (d *objectDecoder) field(name string) (json.RawMessage, bool) {
	if d.err != nil {
		return nil, false
	}
	raw, ok := d.fields[name]
	if !ok {
		d.fail(name, ErrMissingField)
		return nil, false
	}
	return raw, true
}

func (d *objectDecoder) tag() Tag {
	raw, ok := d.field(fieldTag)
	if !ok {
		return 0
	}
	var value int64
	if !d.unmarshal(fieldTag, raw, &value) {
		return 0
	}
	if value < math.MinInt32 || value > math.MaxInt32 {
		d.fail(fieldTag, fmt.Errorf("%w: %d", ErrUnknownTag, value))
		return 0
	}
	return Tag(value)
}

func (d *objectDecoder) unmarshal(field string, raw json.RawMessage, target any) bool {
	if d.err != nil {
		return false
	}
	if bytes.Equal(bytes.TrimSpace(raw), jsonNull) {
		d.fail(field, ErrNullField)
		return false
	}
	if err := json.Unmarshal(raw, target); err != nil {
		d.fail(field, err)
		return false
	}
	return true
}

func (d *objectDecoder) string(name string) string {
	raw, ok := d.field(name)
	if !ok {
		return ""
	}
	value, _ := d.text(name, raw)
	return value
}

// text decodes a JSON string. encoding/json would replace invalid UTF-8 and
// unpaired surrogate escapes with U+FFFD, so both are refused up front.
func (d *objectDecoder) text(field string, raw json.RawMessage) (string, bool) {
	if d.err != nil {
		return "", false
	}
	if !utf8.Valid(raw) || hasUnpairedSurrogate(raw) {
		d.fail(field, ErrInvalidString)
		return "", false
	}
	var value string
	if !d.unmarshal(field, raw, &value) {
		return "", false
	}
	return value, true
}

func hasUnpairedSurrogate(raw []byte) bool {
	for index := 0; index < len(raw); index++ {
		if raw[index] != '\\' || index+1 >= len(raw) {
			continue
		}
		if raw[index+1] != 'u' {
			index++
			continue
		}
		high, ok := escapedUnit(raw, index+2)
		if !ok {
			return false
		}
		index += 5
		switch {
		case high >= 0xDC00 && high <= 0xDFFF:
			return true
		case high >= 0xD800 && high <= 0xDBFF:
			if index+2 < len(raw) && raw[index+1] == '\\' && raw[index+2] == 'u' {
				if low, ok := escapedUnit(raw, index+3); ok && low >= 0xDC00 && low <= 0xDFFF {
					index += 6
					continue
				}
			}
			return true
		}
	}
	return false
}

func escapedUnit(raw []byte, start int) (uint64, bool) {
	if start+4 > len(raw) {
		return 0, false
	}
	unit, err := strconv.ParseUint(string(raw[start:start+4]), 16, 16)
	return unit, err == nil
}

func (d *objectDecoder) bool(name string) bool {
	raw, ok := d.field(name)
	if !ok {
		return false
	}
	var value bool
	d.unmarshal(name, raw, &value)
	return value
}

func (d *objectDecoder) int64(name string) int64 {
	raw, ok := d.field(name)
	if !ok {
		return 0
	}
	return d.parseInt64(name, raw)
}

// parseInt64 accepts only the form the encoder writes: no sign prefix, no
// leading zeros.
func (d *objectDecoder) parseInt64(field string, raw json.RawMessage) int64 {
	text, ok := d.text(field, raw)
	if !ok {
		return 0
	}
	value, err := strconv.ParseInt(text, 10, 64)
	if err != nil || strconv.FormatInt(value, 10) != text {
		d.fail(field, fmt.Errorf("%w: %q", ErrMalformedInteger, text))
		return 0
	}
	return value
}

func (d *objectDecoder) site(name string) SiteID {
	raw, ok := d.field(name)
	if !ok {
		return SiteID{}
	}
	return d.parseSite(name, raw)
}

// parseSite is stricter than ParseSiteID: the wire carries exact lowercase
// hex without padding.
func (d *objectDecoder) parseSite(field string, raw json.RawMessage) SiteID {
	text, ok := d.text(field, raw)
	if !ok {
		return SiteID{}
	}
	id, err := ParseSiteID(text)
	if err != nil {
		d.fail(field, err)
		return SiteID{}
	}
	if id.String() != text {
		d.fail(field, fmt.Errorf("%w: not lowercase hex", ErrInvalidSiteID))
		return SiteID{}
	}
	return id
}

func (d *objectDecoder) seq(name string) Seq {
	raw, ok := d.field(name)
	if !ok {
		return Seq{}
	}
	return d.parseSeq(name, raw)
}

func (d *objectDecoder) parseSeq(field string, raw json.RawMessage) Seq {
	parts := d.tuple(field, raw, seqArity)
	if parts == nil {
		return Seq{}
	}
	version := d.parseInt64(field+"[0]", parts[0])
	var counter int64
	if !d.unmarshal(field+"[1]", parts[1], &counter) {
		return Seq{}
	}
	if counter < 0 || counter > math.MaxInt {
		d.fail(field+"[1]", fmt.Errorf("%w: counter %d", ErrInvalidSeq, counter))
		return Seq{}
	}
	return Seq{Version: version, Counter: int(counter)}
}

func (d *objectDecoder) tuple(field string, raw json.RawMessage, arity int) []json.RawMessage {
	var parts []json.RawMessage
	if !d.unmarshal(field, raw, &parts) {
		return nil
	}
	if len(parts) != arity {
		d.fail(field, fmt.Errorf("%w: expected %d elements, got %d", ErrArity, arity, len(parts)))
		return nil
	}
	return parts
}

func (d *objectDecoder) array(name string) []json.RawMessage {
	raw, ok := d.field(name)
	if !ok {
		return nil
	}
	var items []json.RawMessage
	d.unmarshal(name, raw, &items)
	return items
}

// changes maps both [] and a missing batch body to nil; a batch has no
// meaning that distinguishes them.
func (d *objectDecoder) changes(name string) []Change {
	items := d.array(name)
	if len(items) == 0 {
		return nil
	}
	changes := make([]Change, 0, len(items))
	for index, item := range items {
		field := fmt.Sprintf("%s[%d]", name, index)
		parts := d.tuple(field, item, changeArity)
		if parts == nil {
			return nil
		}
		change := Change{}
		change.Table, _ = d.text(field+"[0]", parts[0])
		change.PKs, _ = d.text(field+"[1]", parts[1])
		change.CID, _ = d.text(field+"[2]", parts[2])
		if !bytes.Equal(bytes.TrimSpace(parts[3]), jsonNull) {
			if value, ok := d.text(field+"[3]", parts[3]); ok {
				change.Value = &value
			}
		}
		change.ColVersion = d.parseInt64(field+"[4]", parts[4])
		change.DBVersion = d.parseInt64(field+"[5]", parts[5])
		if d.err != nil {
			return nil
		}
		changes = append(changes, change)
	}
	return changes
}

// lastSeens follows changes: an empty list decodes to nil.
func (d *objectDecoder) lastSeens(name string) []LastSeen {
	items := d.array(name)
	if len(items) == 0 {
		return nil
	}
	entries := make([]LastSeen, 0, len(items))
	for index, item := range items {
		field := fmt.Sprintf("%s[%d]", name, index)
		parts := d.tuple(field, item, lastSeenArity)
		if parts == nil {
			return nil
		}
		site := d.parseSite(field+"[0]", parts[0])
		seq := d.parseSeq(field+"[1]", parts[1])
		if d.err != nil {
			return nil
		}
		entries = append(entries, LastSeen{Site: site, Seq: seq})
	}
	return entries
}

func (d *objectDecoder) queryIDs() []string {
	if d.err != nil {
		return nil
	}
	raw, ok := d.fields[fieldQueryIDs]
	if !ok {
		return nil
	}
	var items []json.RawMessage
	if !d.unmarshal(fieldQueryIDs, raw, &items) {
		return nil
	}
	// Unlike changes, an empty list stays non-nil: an absent field and an
	// empty query set are different requests.
	ids := make([]string, 0, len(items))
	for index, item := range items {
		id, ok := d.text(fmt.Sprintf("%s[%d]", fieldQueryIDs, index), item)
		if !ok {
			return nil
		}
		ids = append(ids, id)
	}
	return ids
}
