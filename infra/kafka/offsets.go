package kafka

import (
	"github.com/IBM/sarama"
	"github.com/go-faster/errors"
)

// CommittedOffsets returns the group's committed offset for every
// partition of topics. Partitions without a commit are left out.
func CommittedOffsets(brokers []string, sc *sarama.Config, group string, topics []string) (map[TopicPartition]int64, error) {
	const op = "kafka.CommittedOffsets"

	client, err := sarama.NewClient(brokers, sc)
	if err != nil {
		return nil, errors.Wrap(err, op)
	}
	admin, err := sarama.NewClusterAdminFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, op)
	}
	// closes client too
	defer admin.Close()

	request := make(map[string][]int32, len(topics))
	for _, topic := range topics {
		partitions, err := client.Partitions(topic)
		if err != nil {
			return nil, errors.Wrapf(err, "%s: partitions of %s", op, topic)
		}
		request[topic] = partitions
	}

	resp, err := admin.ListConsumerGroupOffsets(group, request)
	if err != nil {
		return nil, errors.Wrap(err, op)
	}
	if resp.Err != sarama.ErrNoError {
		return nil, errors.Wrap(resp.Err, op)
	}

	out := make(map[TopicPartition]int64)
	for topic, partitions := range request {
		for _, p := range partitions {
			block := resp.GetBlock(topic, p)
			if block == nil {
				continue
			}
			if block.Err != sarama.ErrNoError {
				return nil, errors.Wrapf(block.Err, "%s: %s/%d", op, topic, p)
			}
			if block.Offset >= 0 {
				out[TopicPartition{Topic: topic, Partition: p}] = block.Offset
			}
		}
	}
	return out, nil
}
