package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"voucher-system/internal/config"
	"voucher-system/internal/logger"
	"voucher-system/internal/models"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
)

// Producer публикует события ваучеров в Kafka
type Producer struct {
	producer sarama.SyncProducer
	log      *logger.Logger
	topics   *config.Topics
}

// NewProducer создает нового продюсера Kafka
func NewProducer(cfg *config.KafkaConfig, log *logger.Logger) (*Producer, error) {
	saramaCfg := sarama.NewConfig()
	saramaCfg.Producer.Return.Successes = true
	saramaCfg.Producer.RequiredAcks = sarama.WaitForAll
	saramaCfg.Producer.Retry.Max = 3

	producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	log.Info("Successfully connected to Kafka")

	return &Producer{
		producer: producer,
		log:      log,
		topics:   &cfg.Topics,
	}, nil
}

// Close закрывает продюсера
func (p *Producer) Close() error {
	if p == nil || p.producer == nil {
		return nil
	}
	return p.producer.Close()
}

// PublishVoucherCreated публикует событие создания ваучера
func (p *Producer) PublishVoucherCreated(voucher *models.Voucher) error {
	event := models.Event{
		ID:        uuid.New(),
		Type:      models.EventTypeVoucherCreated,
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"voucher_id": voucher.ID.String(),
			"shop_id":    voucher.ShopID.String(),
			"code":       voucher.Code,
			"type":       string(voucher.Type),
		},
	}
	return p.publishEvent(p.topics.Vouchers, event)
}

// PublishVoucherRedeemed публикует событие списания использования ваучера
func (p *Producer) PublishVoucherRedeemed(voucherID, userID, orderID uuid.UUID, discountAmount float64) error {
	event := models.Event{
		ID:        uuid.New(),
		Type:      models.EventTypeVoucherRedeemed,
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"voucher_id":      voucherID.String(),
			"user_id":         userID.String(),
			"order_id":        orderID.String(),
			"discount_amount": discountAmount,
		},
	}
	return p.publishEvent(p.topics.Vouchers, event)
}

// PublishVouchersExpired публикует результат очистки просроченных ваучеров
func (p *Producer) PublishVouchersExpired(updatedCount int64, asOf time.Time) error {
	event := models.Event{
		ID:        uuid.New(),
		Type:      models.EventTypeVouchersExpired,
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"updated_count": updatedCount,
			"as_of":         asOf.Format(time.RFC3339),
		},
	}
	return p.publishEvent(p.topics.Vouchers, event)
}

// publishEvent сериализует событие и отправляет его в топик
func (p *Producer) publishEvent(topic string, event models.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(event.ID.String()),
		Value: sarama.ByteEncoder(data),
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to send message to topic %s: %w", topic, err)
	}

	p.log.WithFields(map[string]interface{}{
		"topic":     topic,
		"partition": partition,
		"offset":    offset,
		"event_id":  event.ID.String(),
		"type":      string(event.Type),
	}).Debug("Event published")

	return nil
}
