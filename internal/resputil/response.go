package resputil

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Response is the envelope of every JSON answer.
type Response[T any] struct {
	Code ErrorCode `json:"code"`
	Data T         `json:"data"`
	Msg  string    `json:"msg"`
}

func httpStatus(code ErrorCode) int {
	switch {
	case code == OK:
		return http.StatusOK
	case code >= 40000 && code < 40400:
		return http.StatusBadRequest
	case code >= 40400 && code < 50000:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func wrapResponse[T any](c *gin.Context, msg string, data T, code ErrorCode) {
	c.JSON(httpStatus(code), Response[T]{
		Code: code,
		Data: data,
		Msg:  msg,
	})
}

func Success[T any](c *gin.Context, data T) {
	wrapResponse(c, "", data, OK)
}

func Error(c *gin.Context, msg string, errorCode ErrorCode) {
	wrapResponse[any](c, msg, nil, errorCode)
}
