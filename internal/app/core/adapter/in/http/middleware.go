package http

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// HeaderRequestID 請求追蹤用的 header
const HeaderRequestID = "X-Request-ID"

// WithRequestID 沒有帶 X-Request-ID 時產生一個 UUID，並回寫到回應
func WithRequestID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := c.Get(HeaderRequestID)
		if id == "" {
			id = uuid.New().String()
		}
		c.Locals(HeaderRequestID, id)
		c.Set(HeaderRequestID, id)
		return c.Next()
	}
}

// WithAccessLog 記錄每個請求，/health 不記錄
// 5xx 記在 Error，其餘記在 Debug
func WithAccessLog(logger *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if c.Path() == "/health" {
			return c.Next()
		}
		start := time.Now()
		err := c.Next()
		if err != nil {
			// 先讓 ErrorHandler 寫好回應，狀態碼才正確
			if herr := c.App().ErrorHandler(c, err); herr != nil {
				_ = c.SendStatus(fiber.StatusInternalServerError)
			}
		}

		status := c.Response().StatusCode()
		fields := []zap.Field{
			zap.String("request_id", requestID(c)),
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", status),
			zap.Int("size", len(c.Response().Body())),
			zap.Duration("latency", time.Since(start)),
			zap.String("remote", c.IP()),
		}
		if status >= fiber.StatusInternalServerError {
			logger.Error("http request", fields...)
		} else {
			logger.Debug("http request", fields...)
		}
		return nil
	}
}

// WithRecover handler panic 時回 500 並記錄 stack
func WithRecover(logger *zap.Logger) fiber.Handler {
	return recover.New(recover.Config{
		EnableStackTrace: true,
		StackTraceHandler: func(c *fiber.Ctx, e any) {
			logger.Error("http handler panic",
				zap.String("request_id", requestID(c)),
				zap.String("path", c.Path()),
				zap.Any("panic", e),
				zap.Stack("stack"),
			)
		},
	})
}

func requestID(c *fiber.Ctx) string {
	if id, ok := c.Locals(HeaderRequestID).(string); ok {
		return id
	}
	return c.Get(HeaderRequestID)
}
