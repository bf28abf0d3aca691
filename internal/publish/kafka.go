// Package publish fans closed candles out to Kafka so downstream consumers
// (indicator engines, alerting) see each bucket exactly when it finalizes.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/sirupsen/logrus"

	"klined/internal/models"
)

const flushTimeoutMs = 5000

// candleMessage is the wire form of a closed candle. Prices travel as
// strings to preserve exact decimal values.
type candleMessage struct {
	Symbol      string `json:"symbol"`
	Interval    string `json:"interval"`
	StartTime   int64  `json:"start_time"`
	EndTime     int64  `json:"end_time"`
	Open        string `json:"open"`
	High        string `json:"high"`
	Low         string `json:"low"`
	Close       string `json:"close"`
	Volume      string `json:"volume"`
	TradeCount  *int64 `json:"trade_count,omitempty"`
	QuoteVolume string `json:"quote_volume,omitempty"`
	LastTradeID int64  `json:"last_trade_id"`
}

// KafkaPublisher produces closed candles onto a single topic, keyed by
// symbol so per-symbol ordering is preserved across partitions.
type KafkaPublisher struct {
	producer *kafka.Producer
	topic    string
	logger   *logrus.Logger
}

// NewKafkaPublisher connects a producer to the given broker and starts the
// delivery-report drain.
func NewKafkaPublisher(broker, topic string, logger *logrus.Logger) (*KafkaPublisher, error) {
	producer, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": broker,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	p := &KafkaPublisher{
		producer: producer,
		topic:    topic,
		logger:   logger,
	}
	p.startDeliveryReport()
	logger.WithField("topic", topic).Info("Kafka producer initialized")
	return p, nil
}

// startDeliveryReport drains the producer's event channel and logs failed
// deliveries. Delivery is best effort: the store is the source of truth.
func (p *KafkaPublisher) startDeliveryReport() {
	go func() {
		for e := range p.producer.Events() {
			switch ev := e.(type) {
			case *kafka.Message:
				if ev.TopicPartition.Error != nil {
					p.logger.Errorf("Message delivery failed: %v", ev.TopicPartition.Error)
				}
			}
		}
	}()
}

// PublishClosed enqueues one closed candle. The produce is asynchronous;
// delivery failures surface through the report drain.
func (p *KafkaPublisher) PublishClosed(_ context.Context, c *models.Candle) error {
	payload, err := json.Marshal(encode(c))
	if err != nil {
		return fmt.Errorf("encode candle: %w", err)
	}
	return p.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &p.topic, Partition: kafka.PartitionAny},
		Key:            []byte(c.Symbol),
		Value:          payload,
		Timestamp:      time.Now(),
	}, nil)
}

// Close flushes outstanding messages and releases the producer.
func (p *KafkaPublisher) Close() {
	remaining := p.producer.Flush(flushTimeoutMs)
	if remaining > 0 {
		p.logger.Warnf("Kafka flush timed out with %d messages unsent", remaining)
	}
	p.producer.Close()
	p.logger.Info("Kafka producer closed")
}

func encode(c *models.Candle) candleMessage {
	msg := candleMessage{
		Symbol:      c.Symbol,
		Interval:    c.Interval.String(),
		StartTime:   c.StartTime.UnixMilli(),
		EndTime:     c.EndTime.UnixMilli(),
		Open:        c.Open.String(),
		High:        c.High.String(),
		Low:         c.Low.String(),
		Close:       c.Close.String(),
		Volume:      c.Volume.String(),
		TradeCount:  c.TradeCount,
		LastTradeID: c.LastTradeID,
	}
	if c.QuoteVolume != nil {
		msg.QuoteVolume = c.QuoteVolume.String()
	}
	return msg
}
