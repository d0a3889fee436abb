package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	berr "github.com/next-trace/blossom/contract/errors"
)

const (
	codeBadRequest = "gateway.bad_request"
	codeNotFound   = "gateway.not_found"
	codeCanceled   = "gateway.canceled"
	codeInternal   = "gateway.internal"

	// statusClientClosedRequest is the de facto status for a caller that went away.
	statusClientClosedRequest = 499
)

var errEmptyReply = errors.New("worker returned an empty reply")

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Status maps a call error to an HTTP status and the code reported to the
// caller.
func Status(err error) (int, string) {
	var remote *berr.RemoteError

	switch {
	case errors.Is(err, berr.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, berr.ErrCodeTimeout
	case errors.Is(err, context.Canceled):
		return statusClientClosedRequest, codeCanceled
	case errors.Is(err, berr.ErrConnection), errors.Is(err, berr.ErrClientClosed):
		return http.StatusServiceUnavailable, berr.ErrCodeConnection
	case errors.As(err, &remote):
		switch {
		case strings.HasSuffix(remote.Code, ".invalid_argument"):
			return http.StatusBadRequest, remote.Code
		case strings.HasSuffix(remote.Code, ".conflict"):
			return http.StatusConflict, remote.Code
		case remote.Code == berr.ErrCodeSerializationFailed:
			return http.StatusBadRequest, remote.Code
		default:
			return http.StatusInternalServerError, remote.Code
		}
	case errors.Is(err, berr.ErrUnknownPattern):
		return http.StatusInternalServerError, berr.ErrCodeUnknownPattern
	default:
		return http.StatusInternalServerError, codeInternal
	}
}

func (g *Gateway) fail(c *gin.Context, err error) {
	status, code := Status(err)

	msg := err.Error()

	var remote *berr.RemoteError
	if errors.As(err, &remote) {
		msg = remote.Message
	}

	if status >= http.StatusInternalServerError {
		g.logger.Error("call failed", zap.String("path", c.FullPath()), zap.String("code", code), zap.Error(err))

		if status == http.StatusInternalServerError {
			msg = "internal error"
		}
	}

	c.JSON(status, errorBody{Error: code, Message: msg})
}
