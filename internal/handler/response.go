package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	contractsapi "commandcenter/contracts/api"
	"commandcenter/internal/jmap"
	"commandcenter/internal/model"
	"commandcenter/internal/repository"
	"commandcenter/internal/service/archive"
	inboxsvc "commandcenter/internal/service/inbox"
	"commandcenter/pkg/circuitbreaker"
)

func fail(c *gin.Context, code int, msg string) {
	c.JSON(code, contractsapi.Response{Success: false, Error: msg})
}

// statusFor 把领域错误映射为 HTTP 状态码
func statusFor(err error) int {
	switch {
	case errors.Is(err, repository.ErrNotFound), errors.Is(err, jmap.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInvalidStatus),
		errors.Is(err, model.ErrInvalidSpamKind),
		errors.Is(err, archive.ErrInvalidKeepStatus),
		errors.Is(err, inboxsvc.ErrNoIDs),
		errors.Is(err, inboxsvc.ErrMissingFastmailID):
		return http.StatusBadRequest
	case errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
