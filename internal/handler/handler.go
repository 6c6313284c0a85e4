package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"marketpay/internal/gateway"
	"marketpay/internal/model"
	"marketpay/internal/realtime"
	"marketpay/internal/repository"
	"marketpay/internal/service"
	"marketpay/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Handler struct {
	ledgerService   *service.LedgerService
	rechargeService *service.RechargeService
	orderService    *service.OrderService
	refundService   *service.RefundService
	hub             *realtime.Hub
}

func NewHandler(
	ledger *service.LedgerService,
	recharge *service.RechargeService,
	order *service.OrderService,
	refund *service.RefundService,
	hub *realtime.Hub,
) *Handler {
	return &Handler{
		ledgerService:   ledger,
		rechargeService: recharge,
		orderService:    order,
		refundService:   refund,
		hub:             hub,
	}
}

// writeError maps service and gateway errors to envelope codes.
func writeError(c *gin.Context, err error) {
	var lce *service.LedgerConsistencyError
	switch {
	case errors.Is(err, service.ErrInvalidAmount):
		response.ParamError(c, err.Error())
	case errors.Is(err, service.ErrInsufficientFunds), errors.Is(err, service.ErrInsufficientFrozen):
		response.BusinessError(c, response.CodeInsufficientFunds, err.Error())
	case errors.Is(err, service.ErrAlreadyRefunded):
		response.BusinessError(c, response.CodeAlreadyRefunded, err.Error())
	case errors.Is(err, service.ErrRefundInProgress):
		response.BusinessError(c, response.CodeRefundInProgress, err.Error())
	case errors.Is(err, service.ErrInvalidTransactionState):
		response.BusinessError(c, response.CodeInvalidState, err.Error())
	case errors.Is(err, service.ErrUnsupportedMethod):
		response.BusinessError(c, response.CodeUnsupportedMethod, err.Error())
	case errors.Is(err, service.ErrDeliveryNotConfirmed):
		response.BusinessError(c, response.CodeDeliveryNotConfirmed, err.Error())
	case errors.Is(err, service.ErrOrderConfirmed):
		response.BusinessError(c, response.CodeOrderConfirmed, err.Error())
	case errors.Is(err, repository.ErrOrderNotFound):
		response.BusinessError(c, response.CodeOrderNotFound, err.Error())
	case errors.Is(err, repository.ErrOrderStatusInvalid):
		response.BusinessError(c, response.CodeOrderStatusInvalid, err.Error())
	case errors.Is(err, repository.ErrTransactionNotFound):
		response.BusinessError(c, response.CodeTransactionNotFound, err.Error())
	case errors.Is(err, gateway.ErrConfig), errors.Is(err, gateway.ErrProtocol):
		response.BusinessError(c, response.CodePaymentFailed, err.Error())
	case errors.Is(err, gateway.ErrTransport):
		response.BusinessError(c, response.CodeGatewayUnavailable, err.Error())
	case errors.As(err, &lce):
		zap.L().Error("ledger unit rolled back", zap.String("op", lce.Op), zap.Error(lce.Err))
		response.ServerError(c, "operation rolled back, please retry")
	default:
		zap.L().Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		response.ServerError(c, "internal server error")
	}
}

func queryInt64(c *gin.Context, key string) (int64, bool) {
	v, err := strconv.ParseInt(c.Query(key), 10, 64)
	if err != nil || v <= 0 {
		response.ParamError(c, key+" is required")
		return 0, false
	}
	return v, true
}

// ============================================================
// Wallet
// ============================================================

// GET /api/v1/wallet?user_id=
func (h *Handler) GetWallet(c *gin.Context) {
	userID, ok := queryInt64(c, "user_id")
	if !ok {
		return
	}
	wallet, err := h.ledgerService.GetWallet(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, wallet)
}

// GET /api/v1/wallet/transactions?user_id=&page=&page_size=
func (h *Handler) ListTransactions(c *gin.Context) {
	userID, ok := queryInt64(c, "user_id")
	if !ok {
		return
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	list, total, err := h.ledgerService.ListTransactions(c.Request.Context(), userID, page, pageSize)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{
		"list":  list,
		"total": total,
		"page":  page,
	})
}

// ============================================================
// Recharge
// ============================================================

type RechargeRequest struct {
	UserID int64           `json:"user_id" binding:"required"`
	Amount decimal.Decimal `json:"amount"`
	Method string          `json:"method" binding:"required,oneof=manual alipay paypal nets"`
}

// POST /api/v1/recharge
func (h *Handler) Recharge(c *gin.Context) {
	var req RechargeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}
	result, err := h.rechargeService.StartRecharge(c.Request.Context(), req.UserID, req.Amount, req.Method)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, result)
}

// GET /api/v1/recharge/status?out_trade_no=
func (h *Handler) RechargeStatus(c *gin.Context) {
	outTradeNo := c.Query("out_trade_no")
	if outTradeNo == "" {
		response.ParamError(c, "out_trade_no is required")
		return
	}
	result, err := h.rechargeService.CheckStatus(c.Request.Context(), outTradeNo)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, result)
}

// POST /api/v1/recharge/notify/alipay
//
// Alipay expects the literal body "success"; anything else is retried.
func (h *Handler) AlipayNotify(c *gin.Context) {
	if err := c.Request.ParseForm(); err != nil {
		c.String(http.StatusOK, "fail")
		return
	}
	result, err := h.rechargeService.HandleAlipayNotify(c.Request.Context(), c.Request.PostForm)
	if err != nil {
		zap.L().Warn("alipay notify rejected", zap.Error(err))
		c.String(http.StatusOK, "fail")
		return
	}
	if !result.Final() {
		c.String(http.StatusOK, "fail")
		return
	}
	c.String(http.StatusOK, "success")
}

// ============================================================
// Refund
// ============================================================

type RefundRequest struct {
	TransactionID int64 `json:"transaction_id" binding:"required"`
}

// POST /api/v1/refund
func (h *Handler) Refund(c *gin.Context) {
	var req RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}
	result, err := h.refundService.RequestRefund(c.Request.Context(), req.TransactionID)
	if err != nil {
		if errors.Is(err, service.ErrRefundFailed) && result != nil {
			response.ErrorWithData(c, response.CodeRefundFailed, err.Error(), result)
			return
		}
		writeError(c, err)
		return
	}
	response.Success(c, result)
}

// ============================================================
// Orders
// ============================================================

type CheckoutRequest struct {
	UserID int64           `json:"user_id" binding:"required"`
	Total  decimal.Decimal `json:"total"`
}

type OrderRequest struct {
	OrderID int64 `json:"order_id" binding:"required"`
}

// POST /api/v1/order/checkout
func (h *Handler) Checkout(c *gin.Context) {
	var req CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}
	order, err := h.orderService.Checkout(c.Request.Context(), req.UserID, req.Total)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, order)
}

// POST /api/v1/order/confirm
func (h *Handler) ConfirmDelivery(c *gin.Context) {
	h.orderAction(c, h.orderService.ConfirmDelivery)
}

// POST /api/v1/order/refund/request
func (h *Handler) RequestOrderRefund(c *gin.Context) {
	h.orderAction(c, h.orderService.RequestOrderRefund)
}

// POST /api/v1/order/refund/process
func (h *Handler) ProcessOrderRefund(c *gin.Context) {
	h.orderAction(c, h.orderService.ProcessOrderRefund)
}

// POST /api/v1/order/cancel
func (h *Handler) CancelOrder(c *gin.Context) {
	h.orderAction(c, h.orderService.CancelOrder)
}

// GET /api/v1/order/detail?order_id=
func (h *Handler) GetOrder(c *gin.Context) {
	orderID, ok := queryInt64(c, "order_id")
	if !ok {
		return
	}
	order, err := h.orderService.GetOrder(c.Request.Context(), orderID)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, order)
}

// GET /api/v1/order/list?user_id=&page=&page_size=
func (h *Handler) ListOrders(c *gin.Context) {
	userID, ok := queryInt64(c, "user_id")
	if !ok {
		return
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	orders, total, err := h.orderService.ListUserOrders(c.Request.Context(), userID, page, pageSize)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{
		"list":  orders,
		"total": total,
		"page":  page,
	})
}

func (h *Handler) orderAction(c *gin.Context, action func(ctx context.Context, orderID int64) (*model.Order, error)) {
	var req OrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}
	order, err := action(c.Request.Context(), req.OrderID)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, order)
}
