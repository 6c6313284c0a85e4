package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	CodeSuccess       = 0
	CodeParamError    = 400
	CodeNotFound      = 404
	CodeServerError   = 500
	CodeBusinessError = 1000
)

const (
	CodeOrderNotFound        = 1001
	CodeOrderStatusInvalid   = 1002
	CodeInsufficientFunds    = 1003
	CodeAlreadyRefunded      = 1004
	CodeTransactionNotFound  = 1005
	CodePaymentFailed        = 1006
	CodeRefundFailed         = 1007
	CodeInvalidState         = 1008
	CodeDeliveryNotConfirmed = 1009
	CodeOrderConfirmed       = 1010
	CodeUnsupportedMethod    = 1011
	CodeRefundInProgress     = 1012
	CodeGatewayUnavailable   = 1013
)

type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

func Error(c *gin.Context, code int, message string) {
	c.JSON(http.StatusOK, Response{
		Code:    code,
		Message: message,
	})
}

// ErrorWithData reports a failure that still carries a result, e.g. a
// refund that was reversed.
func ErrorWithData(c *gin.Context, code int, message string, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    code,
		Message: message,
		Data:    data,
	})
}

func ParamError(c *gin.Context, message string) {
	Error(c, CodeParamError, message)
}

func ServerError(c *gin.Context, message string) {
	Error(c, CodeServerError, message)
}

func BusinessError(c *gin.Context, code int, message string) {
	Error(c, code, message)
}
