package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func SetupRouter(h *Handler, mode string) *gin.Engine {
	if mode == gin.DebugMode {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	r.Use(RecoveryMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())

	api := r.Group("/api/v1")
	{
		wallet := api.Group("/wallet")
		{
			wallet.GET("", h.GetWallet)
			wallet.GET("/transactions", h.ListTransactions)
		}

		recharge := api.Group("/recharge")
		{
			recharge.POST("", h.Recharge)
			recharge.GET("/status", h.RechargeStatus)
			recharge.GET("/stream", h.RechargeStream)
			recharge.POST("/notify/alipay", h.AlipayNotify)
		}

		api.POST("/refund", h.Refund)

		order := api.Group("/order")
		{
			order.POST("/checkout", h.Checkout)
			order.POST("/confirm", h.ConfirmDelivery)
			order.POST("/refund/request", h.RequestOrderRefund)
			order.POST("/refund/process", h.ProcessOrderRefund)
			order.POST("/cancel", h.CancelOrder)
			order.GET("/detail", h.GetOrder)
			order.GET("/list", h.ListOrders)
		}
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}
