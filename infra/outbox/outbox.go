// Package outbox is the durable hand-off between the matching loop and the
// outbound broker. Entries are appended in one synced pebble batch per
// applied event and drained in key order by the broadcaster.
package outbox

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/go-faster/errors"
)

type State uint8

const (
	StateNew State = iota
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

var ErrCorruptRecord = errors.New("corrupt outbox record")

const (
	keyPrefix  = "outbox/"
	keyUpper   = "outbox/~"
	crcSize    = 4
	headerSize = crcSize + 1 + 4 + 8 + 2
)

// Message is one outbound record: the broker key and the encoded envelope.
type Message struct {
	Key   []byte
	Value []byte
}

type Record struct {
	ID          uint64
	State       State
	Retries     uint32
	LastAttempt int64
	Message
}

// encoding: [crc:4][state:1][retries:4][lastAttempt:8][keyLen:2][key][value]
// crc covers everything after it.
func encodeRecord(r Record) []byte {
	buf := make([]byte, headerSize+len(r.Key)+len(r.Value))
	buf[4] = byte(r.State)
	binary.BigEndian.PutUint32(buf[5:9], r.Retries)
	binary.BigEndian.PutUint64(buf[9:17], uint64(r.LastAttempt))
	binary.BigEndian.PutUint16(buf[17:19], uint16(len(r.Key)))
	n := copy(buf[headerSize:], r.Key)
	copy(buf[headerSize+n:], r.Value)
	binary.BigEndian.PutUint32(buf[:crcSize], crc32.ChecksumIEEE(buf[crcSize:]))
	return buf
}

func decodeRecord(id uint64, b []byte) (Record, error) {
	if len(b) < headerSize {
		return Record{}, ErrCorruptRecord
	}
	if crc32.ChecksumIEEE(b[crcSize:]) != binary.BigEndian.Uint32(b[:crcSize]) {
		return Record{}, errors.Wrap(ErrCorruptRecord, "checksum mismatch")
	}
	keyLen := int(binary.BigEndian.Uint16(b[17:19]))
	if len(b) < headerSize+keyLen {
		return Record{}, ErrCorruptRecord
	}
	body := make([]byte, len(b)-headerSize)
	copy(body, b[headerSize:])
	return Record{
		ID:          id,
		State:       State(b[4]),
		Retries:     binary.BigEndian.Uint32(b[5:9]),
		LastAttempt: int64(binary.BigEndian.Uint64(b[9:17])),
		Message: Message{
			Key:   body[:keyLen],
			Value: body[keyLen:],
		},
	}, nil
}

type Outbox struct {
	db *pebble.DB

	mu     sync.Mutex
	nextID uint64
}

// Open resumes id allocation after the last entry already in db.
func Open(db *pebble.DB) (*Outbox, error) {
	const op = "outbox.Open"

	iter, err := db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(keyPrefix),
		UpperBound: []byte(keyUpper),
	})
	if err != nil {
		return nil, errors.Wrap(err, op)
	}
	defer iter.Close()

	o := &Outbox{db: db, nextID: 1}
	if iter.Last() {
		id, err := parseKey(iter.Key())
		if err != nil {
			return nil, errors.Wrap(err, op)
		}
		o.nextID = id + 1
	}
	if err := iter.Error(); err != nil {
		return nil, errors.Wrap(err, op)
	}
	return o, nil
}

// Publish appends msgs atomically. Either all of them become visible to the
// broadcaster or none do.
func (o *Outbox) Publish(_ context.Context, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	batch := o.db.NewBatch()
	defer batch.Close()

	id := o.nextID
	for _, m := range msgs {
		rec := Record{ID: id, State: StateNew, Message: m}
		if err := batch.Set(keyFor(id), encodeRecord(rec), nil); err != nil {
			return errors.Wrap(err, "outbox.Publish")
		}
		id++
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return errors.Wrap(err, "outbox.Publish")
	}
	o.nextID = id
	return nil
}

// MarkFailed records a failed delivery attempt for each record.
func (o *Outbox) MarkFailed(recs []Record) error {
	if len(recs) == 0 {
		return nil
	}
	batch := o.db.NewBatch()
	defer batch.Close()

	now := time.Now().UnixNano()
	for _, rec := range recs {
		rec.State = StateFailed
		rec.Retries++
		rec.LastAttempt = now
		if err := batch.Set(keyFor(rec.ID), encodeRecord(rec), nil); err != nil {
			return errors.Wrap(err, "outbox.MarkFailed")
		}
	}
	return batch.Commit(pebble.Sync)
}

// Ack removes delivered entries in one synced batch.
func (o *Outbox) Ack(ids ...uint64) error {
	if len(ids) == 0 {
		return nil
	}
	batch := o.db.NewBatch()
	defer batch.Close()

	for _, id := range ids {
		if err := batch.Delete(keyFor(id), nil); err != nil {
			return errors.Wrap(err, "outbox.Ack")
		}
	}
	return batch.Commit(pebble.Sync)
}

// ScanPending walks undelivered entries oldest first, at most limit of them
// when limit > 0. Returning an error from fn stops the walk with that error.
func (o *Outbox) ScanPending(limit int, fn func(Record) error) error {
	iter, err := o.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(keyPrefix),
		UpperBound: []byte(keyUpper),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	seen := 0
	for iter.First(); iter.Valid(); iter.Next() {
		if limit > 0 && seen >= limit {
			break
		}
		id, err := parseKey(iter.Key())
		if err != nil {
			return err
		}
		rec, err := decodeRecord(id, iter.Value())
		if err != nil {
			return errors.Wrapf(err, "outbox entry %d", id)
		}
		seen++
		if err := fn(rec); err != nil {
			return err
		}
	}
	return iter.Error()
}

// Len counts undelivered entries.
func (o *Outbox) Len() (int, error) {
	n := 0
	err := o.ScanPending(0, func(Record) error {
		n++
		return nil
	})
	return n, err
}

func keyFor(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", keyPrefix, id))
}

func parseKey(b []byte) (uint64, error) {
	s := string(b)
	if len(s) <= len(keyPrefix) {
		return 0, errors.Wrapf(ErrCorruptRecord, "key %q", s)
	}
	id, err := strconv.ParseUint(s[len(keyPrefix):], 10, 64)
	if err != nil {
		return 0, errors.Wrapf(ErrCorruptRecord, "key %q", s)
	}
	return id, nil
}
