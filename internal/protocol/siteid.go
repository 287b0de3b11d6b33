package protocol

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// SiteIDLength is the size in bytes of a replica identifier.
const SiteIDLength = 16

// ErrInvalidSiteID indicates that a site identifier is not 16 bytes.
var ErrInvalidSiteID = errors.New("protocol: invalid site id")

// SiteID identifies a replica. The raw array is comparable and used directly
// as a map key.
type SiteID [SiteIDLength]byte

// NewSiteID issues a fresh identifier backed by a UUIDv7.
func NewSiteID() (SiteID, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return SiteID{}, err
	}
	return SiteID(value), nil
}

// SiteIDFromBytes copies a 16-byte slice into a SiteID.
func SiteIDFromBytes(raw []byte) (SiteID, error) {
	if len(raw) != SiteIDLength {
		return SiteID{}, fmt.Errorf("%w: %d bytes", ErrInvalidSiteID, len(raw))
	}
	var id SiteID
	copy(id[:], raw)
	return id, nil
}

// ParseSiteID decodes the hex form of a site identifier. Upper case input is accepted.
func ParseSiteID(rawInput string) (SiteID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if len(trimmed) != hex.EncodedLen(SiteIDLength) {
		return SiteID{}, fmt.Errorf("%w: expected %d hex characters", ErrInvalidSiteID, hex.EncodedLen(SiteIDLength))
	}
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return SiteID{}, fmt.Errorf("%w: %v", ErrInvalidSiteID, err)
	}
	return SiteIDFromBytes(raw)
}

// String returns the lowercase hex form.
func (id SiteID) String() string {
	return hex.EncodeToString(id[:])
}

// Bytes returns a copy of the identifier bytes.
func (id SiteID) Bytes() []byte {
	raw := make([]byte, SiteIDLength)
	copy(raw, id[:])
	return raw
}

// IsZero reports whether the identifier is unset.
func (id SiteID) IsZero() bool {
	return id == SiteID{}
}
