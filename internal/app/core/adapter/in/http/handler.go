package http

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"go.uber.org/zap"

	"github.com/JoeShih716/go-credit-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-credit-ledger/internal/app/core/usecase"
)

// Handler HTTP 入口，只負責解析請求與轉換回應
type Handler struct {
	core   *usecase.CoreUseCase
	logger *zap.Logger
}

func NewHandler(core *usecase.CoreUseCase, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{core: core, logger: logger}
}

// NewApp 建立 fiber.App 並掛上 middleware 與路由
func NewApp(core *usecase.CoreUseCase, logger *zap.Logger) *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		AppName:               "credit-ledger",
		ErrorHandler:          errorHandler,
	})
	h := NewHandler(core, logger)
	app.Use(WithRecover(h.logger), WithRequestID(), WithAccessLog(h.logger))
	h.Register(app)
	return app
}

// Register 註冊路由
func (h *Handler) Register(app *fiber.App) {
	app.Get("/health", h.Health)
	app.Post("/clientes/:id/transacoes", h.Apply)
	app.Get("/clientes/:id/extrato", h.Statement)
}

func (h *Handler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// Apply POST /clientes/:id/transacoes
func (h *Handler) Apply(c *fiber.Ctx) error {
	id, ok := parseID(c)
	if !ok {
		return writeError(c, fmt.Errorf("account %q: %w", c.Params("id"), domain.ErrAccountNotFound))
	}

	var raw domain.RawTransaction
	dec := json.NewDecoder(bytes.NewReader(c.Body()))
	// 保留原始數字，1.5 與 1e2 交給驗證器判斷
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return writeError(c, fmt.Errorf("%w: invalid json: %w", domain.ErrMalformedTransaction, err))
	}

	receipt, err := h.core.Apply(c.UserContext(), id, raw)
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(receiptResponse{
		Limit:   receipt.Limit,
		Balance: receipt.Balance,
	})
}

// Statement GET /clientes/:id/extrato
func (h *Handler) Statement(c *fiber.Ctx) error {
	id, ok := parseID(c)
	if !ok {
		return writeError(c, fmt.Errorf("account %q: %w", c.Params("id"), domain.ErrAccountNotFound))
	}
	stmt, err := h.core.Statement(c.UserContext(), id)
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(newStatementResponse(stmt))
}

func parseID(c *fiber.Ctx) (int64, bool) {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// StatusOf 業務錯誤對應的 HTTP 狀態碼
func StatusOf(err error) int {
	switch domain.ReasonOf(err) {
	case domain.ReasonOK:
		return fiber.StatusOK
	case domain.ReasonNotFound:
		return fiber.StatusNotFound
	case domain.ReasonMalformed, domain.ReasonLimitExceeded:
		return fiber.StatusUnprocessableEntity
	default:
		return fiber.StatusServiceUnavailable
	}
}

func writeError(c *fiber.Ctx, err error) error {
	reason := domain.ReasonOf(err)
	resp := errorResponse{Code: reason.String()}
	if reason != domain.ReasonInternal {
		resp.Message = err.Error()
	}
	return c.Status(StatusOf(err)).JSON(resp)
}

// errorHandler 處理 fiber 本身的錯誤 (路由不存在、method 不符)
func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	return c.Status(code).JSON(errorResponse{Code: utils.StatusMessage(code), Message: err.Error()})
}
