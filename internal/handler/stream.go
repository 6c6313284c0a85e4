package handler

import (
	"net/http"
	"time"

	"marketpay/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = 50 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// RechargeStream pushes status updates of one charge over a websocket.
// GET /api/v1/recharge/stream?out_trade_no=
//
// The stream only observes; closing it unsubscribes and leaves polling of
// the charge running.
func (h *Handler) RechargeStream(c *gin.Context) {
	outTradeNo := c.Query("out_trade_no")
	if outTradeNo == "" {
		response.ParamError(c, "out_trade_no is required")
		return
	}
	// Subscribe before reading so a final update published in between is
	// still delivered.
	updates, unsubscribe := h.hub.Subscribe(outTradeNo)
	defer unsubscribe()

	current, err := h.rechargeService.CurrentStatus(c.Request.Context(), outTradeNo)
	if err != nil {
		writeError(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		zap.L().Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	if err := conn.WriteJSON(gin.H{
		"out_trade_no": outTradeNo,
		"status":       current.Status,
		"paid":         current.Paid,
		"final":        current.Final(),
	}); err != nil {
		return
	}
	if current.Final() {
		return
	}

	// Reader: only needed to notice the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(streamPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(streamPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(u); err != nil {
				return
			}
			if u.Final {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, u.Status),
					time.Now().Add(streamWriteWait))
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		}
	}
}
