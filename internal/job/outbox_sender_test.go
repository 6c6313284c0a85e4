package job

import (
	"context"
	"testing"

	"marketpay/internal/infrastructure/mq"
	"marketpay/internal/model"
	"marketpay/internal/repository"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
)

func TestOutboxSender_RelaysAndRecordsFailures(t *testing.T) {
	db := setupTestDB(t)
	cfg := testConfig()
	ctx := context.Background()

	repo := repository.NewOutboxRepository(db, cfg.Kafka.Topic.LedgerEvent)
	if err := repo.Enqueue(ctx, nil, model.EventRechargeCompleted, "1", map[string]string{"amount": "10.00"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := repo.Enqueue(ctx, nil, model.EventOrderFrozen, "2", map[string]string{"amount": "5.00"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndSucceed()
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	publisher := mq.NewPublisher(producer)
	sender := NewOutboxSender(db, publisher, cfg)

	sender.processPendingMessages(ctx)

	var msgs []model.OutboxMessage
	if err := db.Order("id ASC").Find(&msgs).Error; err != nil {
		t.Fatalf("load outbox: %v", err)
	}
	if msgs[0].Status != model.OutboxStatusSent {
		t.Errorf("first message status = %s, want SENT", msgs[0].Status)
	}
	if msgs[1].Status != model.OutboxStatusPending || msgs[1].RetryCount != 1 {
		t.Errorf("second message = %s/%d, want PENDING/1", msgs[1].Status, msgs[1].RetryCount)
	}

	// Second failure reaches OutboxMaxRetry and parks the message.
	sender.processPendingMessages(ctx)
	var parked model.OutboxMessage
	if err := db.First(&parked, msgs[1].ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if parked.Status != model.OutboxStatusFailed || parked.RetryCount != 2 {
		t.Errorf("parked message = %s/%d, want FAILED/2", parked.Status, parked.RetryCount)
	}

	// Nothing pending is left to send.
	sender.processPendingMessages(ctx)

	if err := publisher.Close(); err != nil {
		t.Fatalf("close producer: %v", err)
	}
}
