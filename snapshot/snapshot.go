package snapshot

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/go-faster/errors"

	"matchcore/domain/orderbook"
)

// ErrCorrupt is returned when a stored record cannot be decoded.
var ErrCorrupt = errors.New("corrupt snapshot record")

// Offset is the next offset to consume on one topic partition.
type Offset struct {
	Topic     string `json:"topic"`
	Partition int32  `json:"partition"`
	Offset    int64  `json:"offset"`
}

// Snapshot is the fast-forward checkpoint of one pair. The event log stays
// the source of truth; a snapshot only bounds how much of it is replayed.
type Snapshot struct {
	Pair string `json:"pair"`

	Bids []orderbook.LevelState `json:"bids"`
	Asks []orderbook.LevelState `json:"asks"`

	LastCommittedOffsets []Offset `json:"lastCommittedOffsets"`
	ProcessedEventIDs    []string `json:"processedEventIds"`

	Sequence uint64    `json:"sequence"`
	TakenAt  time.Time `json:"takenAt"`
}

func (s *Snapshot) Book() orderbook.BookState {
	return orderbook.BookState{Bids: s.Bids, Asks: s.Asks}
}

// Store persists one snapshot per pair. Save overwrites wholesale; Load
// returns nil, nil when the pair was never saved.
type Store interface {
	Save(ctx context.Context, pair string, s *Snapshot) error
	Load(ctx context.Context, pair string) (*Snapshot, error)
}

// SequenceStore keeps the advisory per-pair sequence counter.
type SequenceStore interface {
	SaveSequence(ctx context.Context, pair string, seq uint64) error
	LoadSequence(ctx context.Context, pair string) (uint64, bool, error)
}

func Key(pair string) string         { return "snapshot:" + pair }
func SequenceKey(pair string) string { return "seq:" + pair }

func Encode(s *Snapshot) ([]byte, error) {
	return json.Marshal(s)
}

func Decode(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, errors.Wrap(ErrCorrupt, err.Error())
	}
	return &s, nil
}

func EncodeSequence(seq uint64) []byte {
	return []byte(strconv.FormatUint(seq, 10))
}

func DecodeSequence(data []byte) (uint64, error) {
	seq, err := strconv.ParseUint(string(data), 10, 64)
	if err != nil {
		return 0, errors.Wrap(ErrCorrupt, err.Error())
	}
	return seq, nil
}
