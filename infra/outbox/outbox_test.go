package outbox

import (
	"context"
	"fmt"
	"testing"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openMem(t *testing.T) *pebble.DB {
	t.Helper()
	db, err := pebble.Open("", &pebble.Options{FS: vfs.NewMem()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func msg(i int) Message {
	return Message{Key: []byte("BTC/USDT"), Value: []byte(fmt.Sprintf(`{"n":%d}`, i))}
}

func pending(t *testing.T, ob *Outbox, limit int) []Record {
	t.Helper()
	var out []Record
	require.NoError(t, ob.ScanPending(limit, func(r Record) error {
		out = append(out, r)
		return nil
	}))
	return out
}

func TestPublishScanAck(t *testing.T) {
	ob, err := Open(openMem(t))
	require.NoError(t, err)

	require.NoError(t, ob.Publish(context.Background(), []Message{msg(1), msg(2), msg(3)}))
	require.NoError(t, ob.Publish(context.Background(), nil))

	recs := pending(t, ob, 0)
	require.Len(t, recs, 3)
	for i, r := range recs {
		assert.Equal(t, uint64(i+1), r.ID)
		assert.Equal(t, StateNew, r.State)
		assert.Equal(t, []byte("BTC/USDT"), r.Key)
		assert.Equal(t, []byte(fmt.Sprintf(`{"n":%d}`, i+1)), r.Value)
	}

	assert.Len(t, pending(t, ob, 2), 2)

	require.NoError(t, ob.Ack(1, 2))
	recs = pending(t, ob, 0)
	require.Len(t, recs, 1)
	assert.Equal(t, uint64(3), recs[0].ID)

	n, err := ob.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMarkFailedKeepsEntry(t *testing.T) {
	ob, err := Open(openMem(t))
	require.NoError(t, err)
	require.NoError(t, ob.Publish(context.Background(), []Message{msg(1)}))

	recs := pending(t, ob, 0)
	require.NoError(t, ob.MarkFailed(recs))
	require.NoError(t, ob.MarkFailed(pending(t, ob, 0)))

	recs = pending(t, ob, 0)
	require.Len(t, recs, 1)
	assert.Equal(t, StateFailed, recs[0].State)
	assert.Equal(t, uint32(2), recs[0].Retries)
	assert.Positive(t, recs[0].LastAttempt)
	assert.Equal(t, msg(1).Value, recs[0].Value)
}

func TestReopenContinuesIDs(t *testing.T) {
	db := openMem(t)
	ob, err := Open(db)
	require.NoError(t, err)
	require.NoError(t, ob.Publish(context.Background(), []Message{msg(1), msg(2)}))
	require.NoError(t, ob.Ack(1))

	reopened, err := Open(db)
	require.NoError(t, err)
	require.NoError(t, reopened.Publish(context.Background(), []Message{msg(3)}))

	recs := pending(t, reopened, 0)
	require.Len(t, recs, 2)
	assert.Equal(t, uint64(2), recs[0].ID)
	assert.Equal(t, uint64(3), recs[1].ID)
}

func TestScanStopsOnCallbackError(t *testing.T) {
	ob, err := Open(openMem(t))
	require.NoError(t, err)
	require.NoError(t, ob.Publish(context.Background(), []Message{msg(1), msg(2)}))

	stop := fmt.Errorf("stop")
	calls := 0
	err = ob.ScanPending(0, func(Record) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func TestDecodeRejectsShortRecord(t *testing.T) {
	_, err := decodeRecord(1, []byte{0, 1})
	assert.ErrorIs(t, err, ErrCorruptRecord)

	rec := encodeRecord(Record{ID: 1, Message: Message{Key: []byte("k"), Value: []byte("v")}})
	_, err = decodeRecord(1, rec[:headerSize])
	assert.ErrorIs(t, err, ErrCorruptRecord)
}

func TestDecodeDetectsBitFlip(t *testing.T) {
	rec := encodeRecord(Record{ID: 7, Retries: 3, Message: Message{Key: []byte("BTC/USDT"), Value: []byte(`{"n":1}`)}})

	got, err := decodeRecord(7, rec)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), got.Retries)

	rec[len(rec)-1] ^= 0x01
	_, err = decodeRecord(7, rec)
	assert.ErrorIs(t, err, ErrCorruptRecord)
}
