// Package kafka adapts the brokers to the intake: a sarama consumer group
// with manual commits for the inbound order log, an admin lookup of the
// group's committed offsets, and a kafka-go writer for outbound events.
package kafka

import (
	"context"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"matchcore/infra/logger"
)

type TopicPartition struct {
	Topic     string
	Partition int32
}

// Message is one consumed record.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp time.Time
}

func (m Message) TopicPartition() TopicPartition {
	return TopicPartition{Topic: m.Topic, Partition: m.Partition}
}

// Committer records that msg was fully handled; the group resumes at
// msg.Offset+1.
type Committer interface {
	Commit(ctx context.Context, msg Message) error
}

type Handler interface {
	// ResumeOffset reports where a partition should start the first time
	// this process is assigned it. ok=false keeps the group's committed
	// offset.
	ResumeOffset(topic string, partition int32) (offset int64, ok bool)
	HandleMessage(ctx context.Context, msg Message, c Committer) error
}

type Config struct {
	Brokers  []string
	Group    string
	Topics   []string
	ClientID string
	Version  string
}

// NewSaramaConfig disables auto-commit; offsets move only through
// Committer.
func NewSaramaConfig(clientID, version string) (*sarama.Config, error) {
	cfg := sarama.NewConfig()
	cfg.ClientID = clientID
	if version != "" {
		v, err := sarama.ParseKafkaVersion(version)
		if err != nil {
			return nil, errors.Wrap(err, "kafka version")
		}
		cfg.Version = v
	}
	cfg.Consumer.Offsets.AutoCommit.Enable = false
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Return.Errors = true
	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{
		sarama.NewBalanceStrategyRange(),
	}
	return cfg, nil
}

type Consumer struct {
	group   sarama.ConsumerGroup
	topics  []string
	handler Handler
	isFatal func(error) bool

	mu       sync.Mutex
	seeded   map[TopicPartition]bool
	fatalErr error
}

// NewConsumer joins the group. isFatal selects handler errors that must
// stop Run instead of restarting the session.
func NewConsumer(cfg Config, sc *sarama.Config, h Handler, isFatal func(error) bool) (*Consumer, error) {
	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.Group, sc)
	if err != nil {
		return nil, errors.Wrap(err, "kafka.NewConsumer")
	}
	if isFatal == nil {
		isFatal = func(error) bool { return false }
	}
	return &Consumer{
		group:   group,
		topics:  cfg.Topics,
		handler: h,
		isFatal: isFatal,
		seeded:  make(map[TopicPartition]bool),
	}, nil
}

// Run consumes until ctx is cancelled or a fatal handler error occurs.
// Any other handler error ends the current session; the next one resumes
// from the last committed offset.
func (c *Consumer) Run(ctx context.Context) error {
	go func() {
		for err := range c.group.Errors() {
			logger.Error(ctx, "consumer group error", zap.Error(err))
		}
	}()

	backoff := 500 * time.Millisecond
	for {
		err := c.group.Consume(ctx, c.topics, &groupHandler{c: c})

		if fatal := c.fatal(); fatal != nil {
			return fatal
		}
		if ctx.Err() != nil || errors.Is(err, sarama.ErrClosedConsumerGroup) {
			return nil
		}
		if err != nil {
			logger.Error(ctx, "consume session failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
	}
}

func (c *Consumer) Close() error {
	return c.group.Close()
}

func (c *Consumer) fatal() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fatalErr
}

func (c *Consumer) setFatal(err error) {
	c.mu.Lock()
	if c.fatalErr == nil {
		c.fatalErr = err
	}
	c.mu.Unlock()
}

type groupHandler struct {
	c *Consumer
}

// Setup seeks each partition once per process. Later rebalances keep the
// committed offsets.
func (h *groupHandler) Setup(sess sarama.ConsumerGroupSession) error {
	h.c.mu.Lock()
	defer h.c.mu.Unlock()

	for topic, partitions := range sess.Claims() {
		for _, p := range partitions {
			tp := TopicPartition{Topic: topic, Partition: p}
			if h.c.seeded[tp] {
				continue
			}
			h.c.seeded[tp] = true

			offset, ok := h.c.handler.ResumeOffset(topic, p)
			if !ok {
				continue
			}
			sess.ResetOffset(topic, p, offset, "")
			logger.Info(sess.Context(), "partition seeked",
				zap.String("topic", topic),
				zap.Int32("partition", p),
				zap.Int64("offset", offset),
			)
		}
	}
	return nil
}

func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	committer := sessionCommitter{sess: sess}
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			err := h.c.handler.HandleMessage(sess.Context(), Message{
				Topic:     msg.Topic,
				Partition: msg.Partition,
				Offset:    msg.Offset,
				Key:       msg.Key,
				Value:     msg.Value,
				Timestamp: msg.Timestamp,
			}, committer)
			if err != nil {
				if h.c.isFatal(err) {
					h.c.setFatal(err)
				}
				return err
			}
		case <-sess.Context().Done():
			return nil
		}
	}
}

// sessionCommitter flushes synchronously. sarama reports broker-side
// commit failures on the group error channel only, so a closed session
// is the one failure visible here.
type sessionCommitter struct {
	sess sarama.ConsumerGroupSession
}

func (s sessionCommitter) Commit(_ context.Context, msg Message) error {
	if err := s.sess.Context().Err(); err != nil {
		return errors.Wrap(err, "commit on closed session")
	}
	s.sess.MarkOffset(msg.Topic, msg.Partition, msg.Offset+1, "")
	s.sess.Commit()
	return nil
}
