package job

import (
	"context"
	"time"

	"marketpay/internal/config"
	"marketpay/internal/metrics"
	"marketpay/internal/model"
	"marketpay/internal/repository"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// MessageSender publishes one message to the broker.
type MessageSender interface {
	Send(topic, key, value string, headers map[string]string) error
}

// OutboxSender relays committed ledger events from the outbox table to
// Kafka, at least once.
type OutboxSender struct {
	outboxRepo *repository.OutboxRepository
	sender     MessageSender
	cfg        *config.Config
	stopCh     chan struct{}
	interval   time.Duration
	batchSize  int
}

func NewOutboxSender(db *gorm.DB, sender MessageSender, cfg *config.Config) *OutboxSender {
	return &OutboxSender{
		outboxRepo: repository.NewOutboxRepository(db, cfg.Kafka.Topic.LedgerEvent),
		sender:     sender,
		cfg:        cfg,
		stopCh:     make(chan struct{}),
		interval:   100 * time.Millisecond,
		batchSize:  100,
	}
}

func (s *OutboxSender) Start(ctx context.Context) {
	zap.L().Info("outbox sender started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			zap.L().Info("outbox sender exiting")
			return
		case <-s.stopCh:
			zap.L().Info("outbox sender stopped")
			return
		case <-ticker.C:
			s.processPendingMessages(ctx)
		}
	}
}

func (s *OutboxSender) Stop() {
	close(s.stopCh)
}

func (s *OutboxSender) processPendingMessages(ctx context.Context) {
	messages, err := s.outboxRepo.GetPendingMessages(ctx, s.batchSize)
	if err != nil {
		zap.L().Error("load pending outbox messages", zap.Error(err))
		return
	}
	for _, msg := range messages {
		s.sendMessage(ctx, msg)
	}
}

func (s *OutboxSender) sendMessage(ctx context.Context, msg *model.OutboxMessage) {
	err := s.sender.Send(msg.Topic, msg.MessageKey, msg.Payload, map[string]string{"event_type": msg.EventType})
	if err == nil {
		metrics.OutboxPublished.WithLabelValues("sent").Inc()
		if updateErr := s.outboxRepo.MarkSent(ctx, msg.ID); updateErr != nil {
			zap.L().Error("mark outbox message sent", zap.Int64("id", msg.ID), zap.Error(updateErr))
		}
		return
	}

	metrics.OutboxPublished.WithLabelValues("error").Inc()
	zap.L().Warn("publish outbox message",
		zap.Int64("id", msg.ID), zap.String("event_type", msg.EventType), zap.Error(err))

	parked, err := s.outboxRepo.RecordFailure(ctx, msg, s.cfg.Business.OutboxMaxRetry)
	if err != nil {
		zap.L().Error("record outbox failure", zap.Int64("id", msg.ID), zap.Error(err))
		return
	}
	if parked {
		metrics.OutboxPublished.WithLabelValues("parked").Inc()
		zap.L().Error("outbox message exceeded max retries", zap.Int64("id", msg.ID))
	}
}
