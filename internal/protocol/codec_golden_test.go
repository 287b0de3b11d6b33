package protocol

import (
	"math"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"
)

// The golden files pin the wire form. Peers running different builds must
// keep decoding each other's payloads, so a diff here is a protocol change.
func TestCodecWireFormat(t *testing.T) {
	siteA := SiteID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	siteB := SiteID{255, 255, 255, 255, 255, 255, 255, 255, 255, 255, 255, 255, 255, 255, 255, 255}

	testCases := []struct {
		name string
		msg  Message
	}{
		{
			name: "apply_changes",
			msg: ApplyChanges{
				ToDBID:        siteA,
				FromDBID:      siteB,
				SchemaVersion: 7,
				SeqStart:      Seq{Version: math.MaxInt64, Counter: 3},
				Changes: []Change{
					{Table: "users", PKs: "'1'", CID: "name", Value: StringValue("alice"), ColVersion: 1, DBVersion: math.MinInt64},
					{Table: "users", PKs: "'2'", CID: "email", ColVersion: 2, DBVersion: 42},
				},
			},
		},
		{
			name: "get_changes",
			msg: GetChanges{
				DBID:          siteA,
				RequestorDBID: siteB,
				Since:         Seq{Version: 5, Counter: 1},
				SchemaVersion: -1,
				QueryIDs:      []string{"q1"},
			},
		},
		{
			name: "announce_presence",
			msg: AnnouncePresence{
				Sender:        siteA,
				LastSeens:     []LastSeen{{Site: siteB, Seq: Seq{Version: 12}}},
				SchemaName:    "todo",
				SchemaVersion: 3,
			},
		},
		{
			name: "reject_changes",
			msg:  RejectChanges{Whose: siteB, Since: Seq{Version: 5}},
		},
		{
			name: "create_or_migrate_response",
			msg:  CreateOrMigrateResponse{Seq: Seq{}, Status: MigrateStatusMigrate},
		},
	}

	golden := goldie.New(t, goldie.WithFixtureDir("testdata/golden"), goldie.WithNameSuffix(".golden"))
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			encoded, err := Encode(testCase.msg)
			require.NoError(t, err)
			golden.Assert(t, testCase.name, encoded)
		})
	}
}
