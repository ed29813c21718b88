package kafkaqueue

import (
	"fmt"
	"strconv"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

// ReceiveCountHeader carries how many times a message has been received before.
const ReceiveCountHeader = "hookrelay-receive-count"

// ReceiveCount reads ReceiveCountHeader, treating a missing or invalid value as zero.
func ReceiveCount(headers []kafka.Header) int {
	for _, h := range headers {
		if h.Key != ReceiveCountHeader {
			continue
		}
		n, err := strconv.Atoi(string(h.Value))
		if err != nil || n < 0 {
			return 0
		}
		return n
	}
	return 0
}

func withReceiveCount(headers []kafka.Header, n int) []kafka.Header {
	out := make([]kafka.Header, 0, len(headers)+1)
	for _, h := range headers {
		if h.Key != ReceiveCountHeader {
			out = append(out, h)
		}
	}
	return append(out, kafka.Header{Key: ReceiveCountHeader, Value: []byte(strconv.Itoa(n))})
}

func receiptHandle(tp kafka.TopicPartition) string {
	topic := ""
	if tp.Topic != nil {
		topic = *tp.Topic
	}
	return fmt.Sprintf("%s/%d/%d", topic, tp.Partition, int64(tp.Offset))
}

type partitionKey struct {
	topic     string
	partition int32
}

type partitionState struct {
	pending   map[int64]struct{}
	next      int64
	committed int64
}

// offsetTracker computes, per partition, the highest offset safe to commit:
// everything below the lowest offset still being processed.
type offsetTracker struct {
	partitions map[partitionKey]*partitionState
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{partitions: make(map[partitionKey]*partitionState)}
}

func keyOf(tp kafka.TopicPartition) partitionKey {
	k := partitionKey{partition: tp.Partition}
	if tp.Topic != nil {
		k.topic = *tp.Topic
	}
	return k
}

func (t *offsetTracker) start(tp kafka.TopicPartition) {
	k := keyOf(tp)
	st, ok := t.partitions[k]
	if !ok {
		st = &partitionState{pending: make(map[int64]struct{}), committed: -1}
		t.partitions[k] = st
	}
	off := int64(tp.Offset)
	st.pending[off] = struct{}{}
	if off+1 > st.next {
		st.next = off + 1
	}
}

// done marks an offset finished and returns the commit position if it advanced.
func (t *offsetTracker) done(tp kafka.TopicPartition) (kafka.TopicPartition, bool) {
	k := keyOf(tp)
	st, ok := t.partitions[k]
	if !ok {
		return kafka.TopicPartition{}, false
	}
	delete(st.pending, int64(tp.Offset))

	commitAt := st.next
	for off := range st.pending {
		if off < commitAt {
			commitAt = off
		}
	}
	if commitAt <= st.committed {
		return kafka.TopicPartition{}, false
	}
	st.committed = commitAt

	topic := k.topic
	return kafka.TopicPartition{Topic: &topic, Partition: k.partition, Offset: kafka.Offset(commitAt)}, true
}
