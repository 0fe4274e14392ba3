package http

import (
	"time"

	"github.com/JoeShih716/go-credit-ledger/internal/app/core/domain"
)

// receiptResponse POST /clientes/:id/transacoes 的回應
type receiptResponse struct {
	Limit   int64 `json:"limite"`
	Balance int64 `json:"saldo"`
}

type balanceView struct {
	Total   int64     `json:"total"`
	TakenAt time.Time `json:"data_extrato"`
	Limit   int64     `json:"limite"`
}

type entryView struct {
	Amount      int64     `json:"valor"`
	Kind        string    `json:"tipo"`
	Description string    `json:"descricao"`
	CreatedAt   time.Time `json:"realizada_em"`
}

// statementResponse GET /clientes/:id/extrato 的回應
type statementResponse struct {
	Balance      balanceView `json:"saldo"`
	Transactions []entryView `json:"ultimas_transacoes"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

func newStatementResponse(stmt domain.Statement) statementResponse {
	out := statementResponse{
		Balance: balanceView{
			Total:   stmt.Balance,
			TakenAt: stmt.TakenAt.UTC(),
			Limit:   stmt.Limit,
		},
		Transactions: make([]entryView, 0, len(stmt.Transactions)),
	}
	for _, e := range stmt.Transactions {
		out.Transactions = append(out.Transactions, entryView{
			Amount:      e.Amount,
			Kind:        e.Kind.String(),
			Description: e.Description,
			CreatedAt:   e.CreatedAt.UTC(),
		})
	}
	return out
}
