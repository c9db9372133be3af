package service

import (
	"encoding/json"

	"github.com/go-faster/errors"

	"matchcore/domain/matching"
	"matchcore/infra/outbox"
)

// Envelope is the outbound wire format. Every event caused by one inbound
// record carries that record's sequence number and event id.
type Envelope struct {
	Event    matching.Kind   `json:"event"`
	Pair     string          `json:"pair"`
	Sequence uint64          `json:"sequence"`
	EventID  string          `json:"eventId"`
	Payload  json.RawMessage `json:"payload"`
}

func encodeEvents(pair string, seq uint64, eventID string, events []matching.Event) ([]outbox.Message, error) {
	msgs := make([]outbox.Message, 0, len(events))
	for _, ev := range events {
		payload, err := json.Marshal(payloadOf(ev))
		if err != nil {
			return nil, errors.Wrapf(err, "encode %s", ev.Kind())
		}
		value, err := json.Marshal(Envelope{
			Event:    ev.Kind(),
			Pair:     pair,
			Sequence: seq,
			EventID:  eventID,
			Payload:  payload,
		})
		if err != nil {
			return nil, errors.Wrapf(err, "encode %s envelope", ev.Kind())
		}
		msgs = append(msgs, outbox.Message{Key: []byte(pair), Value: value})
	}
	return msgs, nil
}

// payloadOf flattens order events to the order itself.
func payloadOf(ev matching.Event) any {
	switch e := ev.(type) {
	case matching.Trade:
		return e
	case matching.OrderOpened:
		return e.Order
	case matching.OrderUpdated:
		return e.Order
	case matching.OrderRemoved:
		return e
	default:
		panic(errors.Errorf("unhandled event %T", ev))
	}
}
