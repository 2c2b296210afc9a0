package notify

import (
	"context"
	"sync"
	"sync/atomic"

	sarama "github.com/IBM/sarama"
)

type kafkaSubscription struct {
	pc   sarama.PartitionConsumer
	subs []*subscriber
}

// KafkaBus implements Bus using a Kafka backend. Each subject maps to a
// single-partition topic consumed from the newest offset, so only events
// published after Subscribe are observed.
type KafkaBus struct {
	producer  sarama.SyncProducer
	consumer  sarama.Consumer
	mu        sync.Mutex
	subs      map[string]*kafkaSubscription
	pending   map[string]struct{}
	published uint64
	delivered uint64
}

// NewKafkaBus creates a new KafkaBus connecting to the given brokers.
func NewKafkaBus(brokers []string, cfg *sarama.Config) (*KafkaBus, error) {
	if !cfg.Producer.Return.Successes {
		cfg.Producer.Return.Successes = true
	}
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, err
	}
	return &KafkaBus{
		producer: producer,
		consumer: consumer,
		subs:     make(map[string]*kafkaSubscription),
		pending:  make(map[string]struct{}),
	}, nil
}

// Publish implements Bus.Publish.
func (b *KafkaBus) Publish(ctx context.Context, subject string) error {
	b.mu.Lock()
	if _, ok := b.pending[subject]; ok {
		b.mu.Unlock()
		return nil
	}
	b.pending[subject] = struct{}{}
	b.mu.Unlock()

	msg := &sarama.ProducerMessage{Topic: subject, Value: sarama.StringEncoder("1")}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		b.mu.Lock()
		delete(b.pending, subject)
		b.mu.Unlock()
		return err
	}
	atomic.AddUint64(&b.published, 1)

	b.mu.Lock()
	delete(b.pending, subject)
	b.mu.Unlock()
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *KafkaBus) Subscribe(ctx context.Context, subject string) (chan struct{}, error) {
	sub := newSubscriber()
	b.mu.Lock()
	ks := b.subs[subject]
	if ks == nil {
		pc, err := b.consumer.ConsumePartition(subject, 0, sarama.OffsetNewest)
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
		ks = &kafkaSubscription{pc: pc}
		b.subs[subject] = ks
		go b.dispatch(ks, subject)
	}
	ks.subs = append(ks.subs, sub)
	b.mu.Unlock()

	watch(ctx, sub, func() {
		_ = b.Unsubscribe(context.Background(), subject, sub.ch)
	})
	return sub.ch, nil
}

func (b *KafkaBus) dispatch(ks *kafkaSubscription, subject string) {
	for range ks.pc.Messages() {
		b.mu.Lock()
		cur := b.subs[subject]
		if cur == nil {
			b.mu.Unlock()
			return
		}
		for _, s := range cur.subs {
			select {
			case s.ch <- struct{}{}:
				atomic.AddUint64(&b.delivered, 1)
			default:
			}
		}
		b.mu.Unlock()
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *KafkaBus) Unsubscribe(ctx context.Context, subject string, ch chan struct{}) error {
	b.mu.Lock()
	ks := b.subs[subject]
	if ks == nil {
		b.mu.Unlock()
		return nil
	}
	for i, s := range ks.subs {
		if s.ch == ch {
			ks.subs[i] = ks.subs[len(ks.subs)-1]
			ks.subs = ks.subs[:len(ks.subs)-1]
			close(s.stop)
			close(s.ch)
			break
		}
	}
	if len(ks.subs) == 0 {
		delete(b.subs, subject)
		b.mu.Unlock()
		return ks.pc.Close()
	}
	b.mu.Unlock()
	return nil
}

// BusMetrics returns the published and delivered counts.
func (b *KafkaBus) BusMetrics() Metrics {
	return Metrics{
		Published: atomic.LoadUint64(&b.published),
		Delivered: atomic.LoadUint64(&b.delivered),
	}
}

// Close releases resources used by the KafkaBus.
func (b *KafkaBus) Close() {
	_ = b.producer.Close()
	_ = b.consumer.Close()
}
