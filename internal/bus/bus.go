// Package bus is the topic-addressed publish/subscribe surface between
// the indexer and the broadcast layer. One topic per market per kind
// ("trades.<id>", "comments.<id>").
//
// Delivery is at-most-once per subscriber connection: a subscriber that
// can't keep up has messages dropped rather than stalling the publisher,
// and nothing survives a restart. Correctness never depends on delivery —
// the indexer commits to storage first and treats publish failures as
// log-only.
package bus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Topic name builders.
func TradesTopic(marketID string) string   { return "trades." + marketID }
func CommentsTopic(marketID string) string { return "comments." + marketID }

// TradeMessage is the payload published for each persisted trade.
type TradeMessage struct {
	Type        string `json:"type"` // "trade"
	MarketID    string `json:"marketId"`
	TxHash      string `json:"txHash"`
	LogIndex    uint   `json:"logIndex"`
	BlockNumber uint64 `json:"blockNumber"`
	Timestamp   string `json:"timestamp"`
	Side        string `json:"side"`
	Outcome     int    `json:"outcome"`
	AmountIn    string `json:"amountInUSDF"`
	Price       string `json:"price"`
	Shares      string `json:"amountOutShares"`
}

// IndexedMessage reports indexing progress for a market.
type IndexedMessage struct {
	Type             string `json:"type"` // "indexed"
	MarketID         string `json:"marketId"`
	LastIndexedBlock uint64 `json:"lastIndexedBlock"`
	HeadBlock        uint64 `json:"headBlock"`
	LagBlocks        uint64 `json:"lagBlocks"`
	EmittedAt        int64  `json:"emittedAt"` // unix ms
}

// Publisher is the write half of the bus.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Bus is the pub/sub contract. Publish never blocks on slow subscribers;
// Subscribe returns a receive channel plus its cancel func. Implementations
// must be safe for concurrent use.
type Bus interface {
	Publisher
	Subscribe(topic string) (<-chan []byte, func())
}

const subscriberBuffer = 64

// subscriber is one connection's buffered delivery channel.
type subscriber struct {
	ch chan []byte
}

// Local is the in-process Bus. Topics are materialized lazily on first
// subscribe and torn down when their last subscriber leaves.
type Local struct {
	mu     sync.RWMutex
	topics map[string]map[*subscriber]struct{}
	logger *slog.Logger
}

// NewLocal creates an in-process bus.
func NewLocal(logger *slog.Logger) *Local {
	return &Local{
		topics: make(map[string]map[*subscriber]struct{}),
		logger: logger.With("component", "bus"),
	}
}

// Publish delivers payload to every current subscriber of topic. A full
// subscriber buffer drops the message for that subscriber only.
func (b *Local) Publish(topic string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.topics[topic] {
		select {
		case sub.ch <- payload:
		default:
			b.logger.Warn("subscriber buffer full, dropping message", "topic", topic)
		}
	}
	return nil
}

// Subscribe registers a new subscriber on topic. The returned cancel func
// must be called to unsubscribe; later calls are no-ops. The channel
// closes after cancellation.
func (b *Local) Subscribe(topic string) (<-chan []byte, func()) {
	sub := &subscriber{ch: make(chan []byte, subscriberBuffer)}

	b.mu.Lock()
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[*subscriber]struct{})
	}
	b.topics[topic][sub] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.topics[topic], sub)
			if len(b.topics[topic]) == 0 {
				delete(b.topics, topic)
			}
			b.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// PublishJSON marshals v and publishes it; marshal failures are returned
// so the caller can log them.
func PublishJSON(b Publisher, topic string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal bus message: %w", err)
	}
	return b.Publish(topic, data)
}

// NewIndexedMessage stamps a progress message with the emit time.
func NewIndexedMessage(marketID string, lastIndexed, head uint64) IndexedMessage {
	lag := uint64(0)
	if head > lastIndexed {
		lag = head - lastIndexed
	}
	return IndexedMessage{
		Type:             "indexed",
		MarketID:         marketID,
		LastIndexedBlock: lastIndexed,
		HeadBlock:        head,
		LagBlocks:        lag,
		EmittedAt:        time.Now().UnixMilli(),
	}
}
