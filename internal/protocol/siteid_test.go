package protocol

import (
	"errors"
	"testing"
)

func TestParseSiteIDRoundTrip(t *testing.T) {
	id, err := NewSiteID()
	if err != nil {
		t.Fatalf("failed to issue site id: %v", err)
	}
	if id.IsZero() {
		t.Fatalf("expected issued site id to be non-zero")
	}
	parsed, err := ParseSiteID(id.String())
	if err != nil {
		t.Fatalf("failed to parse site id: %v", err)
	}
	if parsed != id {
		t.Fatalf("expected %s, got %s", id, parsed)
	}
}

func TestParseSiteIDNormalizesCase(t *testing.T) {
	parsed, err := ParseSiteID("0102030405060708090A0B0C0D0E0F10")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if parsed.String() != "0102030405060708090a0b0c0d0e0f10" {
		t.Fatalf("expected lowercase hex, got %s", parsed.String())
	}
}

func TestParseSiteIDRejectsMalformedInput(t *testing.T) {
	for _, input := range []string{"", "abcd", "zz02030405060708090a0b0c0d0e0f10", "0102030405060708090a0b0c0d0e0f1011"} {
		if _, err := ParseSiteID(input); !errors.Is(err, ErrInvalidSiteID) {
			t.Fatalf("expected ErrInvalidSiteID for %q, got %v", input, err)
		}
	}
}

func TestSiteIDFromBytesCopiesInput(t *testing.T) {
	raw := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	id, err := SiteIDFromBytes(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	raw[0] = 99
	if id[0] != 1 {
		t.Fatalf("expected site id to be independent of the source slice")
	}
	if _, err := SiteIDFromBytes(raw[:15]); !errors.Is(err, ErrInvalidSiteID) {
		t.Fatalf("expected ErrInvalidSiteID for short input, got %v", err)
	}
}
