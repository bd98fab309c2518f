package target

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/therealutkarshpriyadarshi/logshipper/internal/config"
	"github.com/therealutkarshpriyadarshi/logshipper/internal/logging"
	"github.com/therealutkarshpriyadarshi/logshipper/internal/metrics"
	"github.com/therealutkarshpriyadarshi/logshipper/internal/worker"
	"github.com/therealutkarshpriyadarshi/logshipper/pkg/types"
)

const defaultKafkaGroupID = "logshipper"

// Labels attached to Kafka entries
const (
	KafkaTopicLabel     = "__kafka_topic"
	KafkaPartitionLabel = "__kafka_partition"
	KafkaKeyLabel       = "__kafka_message_key"
	KafkaGroupLabel     = "__kafka_group_id"
)

// KafkaTarget consumes topics as a consumer group member. Offsets are
// committed only up to the last message whose entry was acknowledged.
type KafkaTarget struct {
	base
	cfg   config.KafkaTargetConfig
	group sarama.ConsumerGroup

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	running  bool
	sessions int
	claims   map[string][]int32
}

// NewKafkaTarget connects a consumer group
func NewKafkaTarget(job string, cfg config.KafkaTargetConfig, next worker.Handler, collector *metrics.Collector, logger *logging.Logger) (*KafkaTarget, error) {
	if len(cfg.Brokers) == 0 || len(cfg.Topics) == 0 {
		return nil, fmt.Errorf("job %s: kafka target needs brokers and topics", job)
	}
	if cfg.GroupID == "" {
		cfg.GroupID = defaultKafkaGroupID
	}

	sc := sarama.NewConfig()
	sc.ClientID = "logshipper"
	sc.Consumer.Return.Errors = true
	sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	sc.Consumer.Offsets.AutoCommit.Enable = true
	sc.Consumer.Offsets.AutoCommit.Interval = time.Second
	sc.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, sc)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka consumer group: %w", err)
	}
	return newKafkaTarget(job, cfg, group, next, collector, logger), nil
}

func newKafkaTarget(job string, cfg config.KafkaTargetConfig, group sarama.ConsumerGroup, next worker.Handler, collector *metrics.Collector, logger *logging.Logger) *KafkaTarget {
	if cfg.GroupID == "" {
		cfg.GroupID = defaultKafkaGroupID
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &KafkaTarget{
		base:   newBase(job, TypeKafka, cfg.Labels, next, collector, logger),
		cfg:    cfg,
		group:  group,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start joins the group in the background
func (k *KafkaTarget) Start() error {
	k.wg.Add(2)
	go k.consume()
	go k.logErrors()

	k.mu.Lock()
	k.running = true
	k.mu.Unlock()
	k.active(1)

	k.logger.Info().
		Strs("brokers", k.cfg.Brokers).
		Strs("topics", k.cfg.Topics).
		Str("group_id", k.cfg.GroupID).
		Msg("Kafka target started")
	return nil
}

// consume re-joins after every rebalance until stopped
func (k *KafkaTarget) consume() {
	defer k.wg.Done()

	for {
		if err := k.group.Consume(k.ctx, k.cfg.Topics, k); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}
			k.logger.Error().Err(err).Msg("Kafka consume failed")
			select {
			case <-k.ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
		if k.ctx.Err() != nil {
			return
		}
	}
}

func (k *KafkaTarget) logErrors() {
	defer k.wg.Done()
	for err := range k.group.Errors() {
		k.logger.Warn().Err(err).Msg("Kafka consumer error")
	}
}

// Stop leaves the group. Messages not yet acknowledged are consumed again by
// the next member of the group.
func (k *KafkaTarget) Stop() error {
	k.cancel()
	err := k.group.Close()
	k.wg.Wait()

	k.mu.Lock()
	wasRunning := k.running
	k.running = false
	k.mu.Unlock()
	if wasRunning {
		k.active(-1)
	}

	if err != nil {
		return fmt.Errorf("failed to close Kafka consumer group: %w", err)
	}
	return nil
}

// Ready reports whether the target is running
func (k *KafkaTarget) Ready() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.running
}

// Status lists the current partition assignment
func (k *KafkaTarget) Status() Status {
	k.mu.Lock()
	claims, sessions := k.claims, k.sessions
	k.mu.Unlock()

	return Status{
		Job:    k.job,
		Type:   k.typ,
		Ready:  k.Ready(),
		Labels: k.labels,
		Details: map[string]any{
			"brokers":  k.cfg.Brokers,
			"topics":   k.cfg.Topics,
			"group_id": k.cfg.GroupID,
			"claims":   claims,
			"sessions": sessions,
		},
	}
}

// Setup is called at the start of a group session
func (k *KafkaTarget) Setup(session sarama.ConsumerGroupSession) error {
	k.mu.Lock()
	k.sessions++
	k.claims = session.Claims()
	k.mu.Unlock()

	k.logger.Info().
		Str("member_id", session.MemberID()).
		Int32("generation", session.GenerationID()).
		Msg("Kafka partitions assigned")
	return nil
}

// Cleanup is called when a group session ends
func (k *KafkaTarget) Cleanup(session sarama.ConsumerGroupSession) error {
	k.mu.Lock()
	k.claims = nil
	k.mu.Unlock()
	return nil
}

// ConsumeClaim hands every message of one partition to the pipeline in
// offset order
func (k *KafkaTarget) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	tracker := newOffsetTracker(func(next int64) {
		session.MarkOffset(claim.Topic(), claim.Partition(), next, "")
	})
	source := fmt.Sprintf("kafka:%s/%d", claim.Topic(), claim.Partition())

	for {
		select {
		case <-session.Context().Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}

			e := k.entry(source, msg)
			offset := msg.Offset
			tracker.add(offset)
			e.Done = func() { tracker.ack(offset) }

			if err := k.next.Handle(session.Context(), e); err != nil {
				// Not marked, so it is redelivered after the next rebalance
				k.logger.Debug().Err(err).Str("source", source).Msg("Stopped consuming claim")
				return nil
			}
			k.received(1)
		}
	}
}

func (k *KafkaTarget) entry(source string, msg *sarama.ConsumerMessage) *types.Entry {
	ts := time.Now()
	if k.cfg.UseIncomingTimestamp && !msg.Timestamp.IsZero() {
		ts = msg.Timestamp
	}

	e := types.NewEntry(source, string(msg.Value), ts, k.labels)
	meta := map[string]string{
		KafkaTopicLabel:     msg.Topic,
		KafkaPartitionLabel: strconv.Itoa(int(msg.Partition)),
		KafkaGroupLabel:     k.cfg.GroupID,
	}
	if len(msg.Key) > 0 {
		meta[KafkaKeyLabel] = string(msg.Key)
	}
	for name, value := range meta {
		e.Labels[name] = value
		e.Extracted[name] = value
	}
	return e
}

// offsetTracker commits the longest acknowledged prefix of the offsets it
// has seen. Offsets must be added in increasing order.
type offsetTracker struct {
	mu      sync.Mutex
	pending []int64
	acked   map[int64]bool
	mark    func(next int64)
}

func newOffsetTracker(mark func(next int64)) *offsetTracker {
	return &offsetTracker{acked: make(map[int64]bool), mark: mark}
}

func (t *offsetTracker) add(offset int64) {
	t.mu.Lock()
	t.pending = append(t.pending, offset)
	t.mu.Unlock()
}

func (t *offsetTracker) ack(offset int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.acked[offset] = true
	last := int64(-1)
	for len(t.pending) > 0 && t.acked[t.pending[0]] {
		last = t.pending[0]
		delete(t.acked, last)
		t.pending = t.pending[1:]
	}
	if last >= 0 {
		t.mark(last + 1)
	}
}
