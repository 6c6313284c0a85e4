package service

import (
	"context"
	"errors"

	"marketpay/internal/config"
	"marketpay/internal/model"
	"marketpay/internal/repository"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OrderService runs the freeze/settle protocol: funds are frozen at
// checkout and only leave the payer once delivery is confirmed.
type OrderService struct {
	db        *gorm.DB
	cfg       *config.Config
	ledger    *LedgerService
	orderRepo *repository.OrderRepository
}

func NewOrderService(db *gorm.DB, ledger *LedgerService, cfg *config.Config) *OrderService {
	return &OrderService{
		db:        db,
		cfg:       cfg,
		ledger:    ledger,
		orderRepo: repository.NewOrderRepository(db),
	}
}

// Checkout inserts the order and freezes its total in one unit of work.
// If the freeze fails no order row survives.
func (s *OrderService) Checkout(ctx context.Context, userID int64, total decimal.Decimal) (*model.Order, error) {
	if err := validAmount(total); err != nil {
		return nil, err
	}
	order := &model.Order{
		UserID: userID,
		Total:  total,
		Status: model.OrderStatusPending,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.orderRepo.Create(ctx, tx, order); err != nil {
			return err
		}
		if _, err := s.ledger.Freeze(ctx, tx, userID, order.ID, total); err != nil {
			return err
		}
		if err := s.orderRepo.UpdateStatus(ctx, tx, order.ID, model.OrderStatusPending, model.OrderStatusPaid); err != nil {
			return err
		}
		order.Status = model.OrderStatusPaid
		return nil
	})
	if err != nil {
		return nil, wrapUnitErr("checkout", err)
	}

	zap.L().Info("order checked out",
		zap.Int64("order_id", order.ID),
		zap.Int64("user_id", userID),
		zap.String("total", total.StringFixed(2)))
	return order, nil
}

// ConfirmDelivery settles a paid order to the platform account once its
// shipment is delivered.
func (s *OrderService) ConfirmDelivery(ctx context.Context, orderID int64) (*model.Order, error) {
	var order *model.Order
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		order, err = s.orderRepo.GetByIDForUpdate(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if order.IsConfirmed || order.Status == model.OrderStatusConfirmed {
			return ErrOrderConfirmed
		}
		if order.Status != model.OrderStatusPaid {
			return repository.ErrOrderStatusInvalid
		}

		shipment, err := s.orderRepo.GetShipment(ctx, tx, orderID)
		if err != nil {
			if errors.Is(err, repository.ErrShipmentNotFound) {
				return ErrDeliveryNotConfirmed
			}
			return err
		}
		if shipment.Status != model.ShipmentStatusDelivered {
			return ErrDeliveryNotConfirmed
		}

		if _, err := s.ledger.Settle(ctx, tx, order.ID, order.UserID, s.cfg.Business.PlatformUserID, order.Total); err != nil {
			return err
		}
		if err := s.orderRepo.UpdateStatus(ctx, tx, order.ID, model.OrderStatusPaid, model.OrderStatusConfirmed); err != nil {
			return err
		}
		order.Status = model.OrderStatusConfirmed
		order.IsConfirmed = true
		return nil
	})
	if err != nil {
		return nil, wrapUnitErr("confirm_delivery", err)
	}

	zap.L().Info("order settled",
		zap.Int64("order_id", order.ID),
		zap.Int64("payer", order.UserID),
		zap.Int64("beneficiary", s.cfg.Business.PlatformUserID))
	return order, nil
}

// RequestOrderRefund flags a paid order for refund. Confirmed orders are
// settled and cannot be refunded this way.
func (s *OrderService) RequestOrderRefund(ctx context.Context, orderID int64) (*model.Order, error) {
	order, err := s.orderRepo.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.IsConfirmed {
		return nil, ErrOrderConfirmed
	}
	if err := s.orderRepo.UpdateStatus(ctx, nil, orderID, order.Status, model.OrderStatusRefundRequested); err != nil {
		return nil, err
	}
	order.Status = model.OrderStatusRefundRequested
	return order, nil
}

// ProcessOrderRefund returns the frozen funds of a refund-requested order
// to the payer.
func (s *OrderService) ProcessOrderRefund(ctx context.Context, orderID int64) (*model.Order, error) {
	return s.release(ctx, orderID, model.OrderStatusRefundRequested, model.OrderStatusRefunded, "process_order_refund")
}

// CancelOrder cancels an order that was never confirmed, releasing its
// frozen funds if it had been paid.
func (s *OrderService) CancelOrder(ctx context.Context, orderID int64) (*model.Order, error) {
	order, err := s.orderRepo.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status == model.OrderStatusPending {
		if err := s.orderRepo.UpdateStatus(ctx, nil, orderID, model.OrderStatusPending, model.OrderStatusCancelled); err != nil {
			return nil, err
		}
		order.Status = model.OrderStatusCancelled
		return order, nil
	}
	return s.release(ctx, orderID, model.OrderStatusPaid, model.OrderStatusCancelled, "cancel_order")
}

func (s *OrderService) release(ctx context.Context, orderID int64, from, to, op string) (*model.Order, error) {
	var order *model.Order
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		order, err = s.orderRepo.GetByIDForUpdate(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if order.IsConfirmed {
			return ErrOrderConfirmed
		}
		if order.Status != from {
			return repository.ErrOrderStatusInvalid
		}
		if _, err := s.ledger.ReleaseFrozen(ctx, tx, order.UserID, order.ID, order.Total); err != nil {
			return err
		}
		if err := s.orderRepo.UpdateStatus(ctx, tx, order.ID, from, to); err != nil {
			return err
		}
		order.Status = to
		return nil
	})
	if err != nil {
		return nil, wrapUnitErr(op, err)
	}
	zap.L().Info("order funds released", zap.Int64("order_id", orderID), zap.String("status", to))
	return order, nil
}

func (s *OrderService) GetOrder(ctx context.Context, orderID int64) (*model.Order, error) {
	return s.orderRepo.GetByID(ctx, orderID)
}

func (s *OrderService) ListUserOrders(ctx context.Context, userID int64, page, pageSize int) ([]*model.Order, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}
	return s.orderRepo.ListByUserID(ctx, userID, page, pageSize)
}
