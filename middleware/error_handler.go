package middleware

import (
	"errors"
	"log"
	"net/http"

	"github.com/Fuzztrack/prout-app-sub000/service"
	"github.com/Fuzztrack/prout-app-sub000/utils"

	"github.com/gin-gonic/gin"
)

// ErrorHandlerMiddleware 统一错误处理中间件
// 捕获 panic；handler 通过 c.Error(err) 交上来的领域错误在这里映射成 HTTP 响应
func ErrorHandlerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				log.Printf("[ERROR] Panic recovered: %v", err)
				if !c.Writer.Written() {
					utils.InternalServerError(c, "internal server error")
				}
				c.Abort()
			}
		}()

		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		WriteError(c, c.Errors.Last().Err)
	}
}

// WriteError 把服务层错误映射为统一响应
func WriteError(c *gin.Context, err error) {
	var ve *service.ValidationError
	var ce *service.ConflictError
	var ge *service.GatewayError

	switch {
	case errors.As(err, &ve):
		utils.ErrorWithData(c, http.StatusBadRequest, ve.Error(), gin.H{"field": ve.Field, "reason": ve.Reason})
	case errors.As(err, &ce):
		utils.Conflict(c, ce.Error(), string(ce.Reason))
	case errors.Is(err, service.ErrNotFound):
		utils.NotFound(c, err.Error())
	case errors.Is(err, service.ErrNotSignedIn), errors.Is(err, service.ErrSessionClosed):
		utils.Unauthorized(c, err.Error())
	case errors.As(err, &ge):
		log.Printf("[ERROR] Gateway error: %v", ge)
		utils.ErrorResponse(c, http.StatusBadGateway, ge.Error())
	default:
		log.Printf("[ERROR] Request error: %v", err)
		utils.InternalServerError(c, "internal server error")
	}
}
