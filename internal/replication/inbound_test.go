package replication

import (
	"context"
	"errors"
	"testing"

	"github.com/bichsonnhat/cr-sqlite/internal/protocol"
	"github.com/stretchr/testify/require"
)

var (
	localSite = siteFromByte(0x01)
	peerSite  = siteFromByte(0x02)
	otherSite = siteFromByte(0x03)
)

func newInboundFixture() (*InboundStream, *fakeDB, *fakeTransport) {
	db := newFakeDB(localSite)
	transport := &fakeTransport{}
	return NewInboundStream(db, transport, nil), db, transport
}

func change(dbVersion int64, cid string) protocol.Change {
	return protocol.Change{Table: "todo", PKs: "1", CID: cid, Value: protocol.StringValue(cid), ColVersion: 1, DBVersion: dbVersion}
}

func TestInboundAppliesBatchAtWatermark(testContext *testing.T) {
	stream, db, transport := newInboundFixture()
	stream.Prepare([]protocol.LastSeen{{Site: peerSite, Seq: protocol.Seq{Version: 5}}})

	batch := protocol.Changes{
		Sender:  peerSite,
		Since:   protocol.Seq{Version: 5},
		Changes: []protocol.Change{change(7, "title"), change(9, "done")},
	}
	require.NoError(testContext, stream.ReceiveChanges(context.Background(), batch))

	calls := db.applied()
	require.Len(testContext, calls, 1)
	require.Equal(testContext, peerSite, calls[0].sender)
	require.Equal(testContext, protocol.Seq{Version: 9}, calls[0].seq)
	require.Equal(testContext, batch.Changes, calls[0].changes)
	require.Equal(testContext, protocol.Seq{Version: 9}, stream.LastSeen(peerSite))
	require.Empty(testContext, transport.messages())
}

func TestInboundRejectsStaleBatch(testContext *testing.T) {
	stream, db, transport := newInboundFixture()
	stream.Prepare([]protocol.LastSeen{{Site: peerSite, Seq: protocol.Seq{Version: 5}}})

	batch := protocol.Changes{Sender: peerSite, Since: protocol.Seq{Version: 3}, Changes: []protocol.Change{change(4, "title")}}
	require.NoError(testContext, stream.ReceiveChanges(context.Background(), batch))

	require.Empty(testContext, db.applied())
	require.Equal(testContext,
		[]protocol.Message{protocol.RejectChanges{Whose: peerSite, Since: protocol.Seq{Version: 5}}},
		transport.messages())
	require.Equal(testContext, protocol.Seq{Version: 5}, stream.LastSeen(peerSite))
}

func TestInboundRejectsGappedBatch(testContext *testing.T) {
	stream, db, transport := newInboundFixture()
	stream.Prepare([]protocol.LastSeen{{Site: peerSite, Seq: protocol.Seq{Version: 5}}})

	batch := protocol.Changes{Sender: peerSite, Since: protocol.Seq{Version: 8}, Changes: []protocol.Change{change(9, "title")}}
	require.NoError(testContext, stream.ReceiveChanges(context.Background(), batch))

	require.Empty(testContext, db.applied())
	require.Equal(testContext,
		[]protocol.Message{protocol.RejectChanges{Whose: peerSite, Since: protocol.Seq{Version: 5}}},
		transport.messages())
}

func TestInboundIgnoresEmptyBatch(testContext *testing.T) {
	stream, db, transport := newInboundFixture()
	stream.Prepare([]protocol.LastSeen{{Site: peerSite, Seq: protocol.Seq{Version: 5}}})

	require.NoError(testContext, stream.ReceiveChanges(context.Background(), protocol.Changes{Sender: peerSite, Since: protocol.Seq{Version: 5}}))

	require.Empty(testContext, db.applied())
	require.Empty(testContext, transport.messages())
	require.Equal(testContext, protocol.Seq{Version: 5}, stream.LastSeen(peerSite))
}

func TestInboundTreatsUnknownSenderAsOrigin(testContext *testing.T) {
	stream, db, transport := newInboundFixture()

	require.Equal(testContext, protocol.Seq{}, stream.LastSeen(otherSite))

	ahead := protocol.Changes{Sender: otherSite, Since: protocol.Seq{Version: 1}, Changes: []protocol.Change{change(2, "title")}}
	require.NoError(testContext, stream.ReceiveChanges(context.Background(), ahead))
	require.Equal(testContext,
		[]protocol.Message{protocol.RejectChanges{Whose: otherSite, Since: protocol.Seq{}}},
		transport.messages())

	fromStart := protocol.Changes{Sender: otherSite, Since: protocol.Seq{}, Changes: []protocol.Change{change(1, "title"), change(2, "done")}}
	require.NoError(testContext, stream.ReceiveChanges(context.Background(), fromStart))
	require.Len(testContext, db.applied(), 1)
	require.Equal(testContext, protocol.Seq{Version: 2}, stream.LastSeen(otherSite))
}

func TestPrepareLatestCallWins(testContext *testing.T) {
	stream, _, _ := newInboundFixture()

	stream.Prepare([]protocol.LastSeen{
		{Site: peerSite, Seq: protocol.Seq{Version: 3}},
		{Site: otherSite, Seq: protocol.Seq{Version: 4, Counter: 2}},
	})
	stream.Prepare([]protocol.LastSeen{{Site: peerSite, Seq: protocol.Seq{Version: 10}}})

	require.Equal(testContext, protocol.Seq{Version: 10}, stream.LastSeen(peerSite))
	require.Equal(testContext, protocol.Seq{Version: 4, Counter: 2}, stream.LastSeen(otherSite))
}

func TestInboundSurfacesRejectSendFailure(testContext *testing.T) {
	stream, _, transport := newInboundFixture()
	sendErr := errors.New("connection reset")
	transport.setSendErr(sendErr)

	err := stream.ReceiveChanges(context.Background(), protocol.Changes{Sender: peerSite, Since: protocol.Seq{Version: 2}})
	require.ErrorIs(testContext, err, sendErr)
}

func TestInboundRefusesBackwardBatch(testContext *testing.T) {
	stream, db, _ := newInboundFixture()

	batch := protocol.Changes{Sender: peerSite, Changes: []protocol.Change{change(4, "title"), change(3, "done")}}
	err := stream.ReceiveChanges(context.Background(), batch)
	require.ErrorIs(testContext, err, ErrMalformedBatch)
	require.Empty(testContext, db.applied())
	require.Equal(testContext, protocol.Seq{}, stream.LastSeen(peerSite))
}

func TestInboundKeepsWatermarkWhenApplyFails(testContext *testing.T) {
	stream, db, _ := newInboundFixture()
	applyErr := errors.New("disk full")
	db.applyErr = applyErr

	batch := protocol.Changes{Sender: peerSite, Changes: []protocol.Change{change(1, "title")}}
	require.ErrorIs(testContext, stream.ReceiveChanges(context.Background(), batch), applyErr)
	require.Equal(testContext, protocol.Seq{}, stream.LastSeen(peerSite))
}
