package http

import (
	"errors"
	"net/http"

	"wikirace-server/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// HandleServiceError 按错误类别映射 HTTP 状态码，未分类的错误记录日志并返回 500。
func HandleServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrValidation):
		ErrorResponse(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrAuthorization):
		ErrorResponse(c, http.StatusForbidden, err.Error())
	case errors.Is(err, service.ErrConflict):
		ErrorResponse(c, http.StatusConflict, err.Error())
	case errors.Is(err, service.ErrNotFound):
		ErrorResponse(c, http.StatusNotFound, err.Error())
	default:
		logrus.WithError(err).WithField("path", c.FullPath()).Error("Unhandled internal server error")
		ErrorResponse(c, http.StatusInternalServerError, "An unexpected error occurred")
	}
}
