package domain

import (
	"fmt"
	"sort"
)

// AccountSpec 啟動時的帳戶設定
type AccountSpec struct {
	ID      int64 `yaml:"id"`
	Limit   int64 `yaml:"limit"`
	Balance int64 `yaml:"balance"`
}

// Registry 帳戶 ID 對應帳戶狀態
// 啟動時建立一次，之後只讀，不需要鎖
type Registry struct {
	accounts   map[int64]*Account
	ids        []int64
	historyCap int
}

// NewRegistry 依設定建立帳戶表
//
// 參數:
//
//	specs: 帳戶設定
//	historyCap: 每個帳戶保留的歷史筆數 (<= 0 使用 DefaultHistoryCap)
//
// 回傳:
//
//	*Registry: 帳戶表
//	error: 設定錯誤 (ID 重複、ID 非正數、額度為負、初始餘額低於 -limit)
func NewRegistry(specs []AccountSpec, historyCap int) (*Registry, error) {
	if historyCap <= 0 {
		historyCap = DefaultHistoryCap
	}
	r := &Registry{
		accounts:   make(map[int64]*Account, len(specs)),
		ids:        make([]int64, 0, len(specs)),
		historyCap: historyCap,
	}
	for _, s := range specs {
		if s.ID <= 0 {
			return nil, fmt.Errorf("account id %d must be positive", s.ID)
		}
		if s.Limit < 0 {
			return nil, fmt.Errorf("account %d: limit %d must not be negative", s.ID, s.Limit)
		}
		if s.Balance < -s.Limit {
			return nil, fmt.Errorf("account %d: initial balance %d below -limit", s.ID, s.Balance)
		}
		if _, ok := r.accounts[s.ID]; ok {
			return nil, fmt.Errorf("account %d: duplicated", s.ID)
		}
		r.accounts[s.ID] = NewAccount(s.ID, s.Limit, s.Balance, historyCap)
		r.ids = append(r.ids, s.ID)
	}
	sort.Slice(r.ids, func(i, j int) bool { return r.ids[i] < r.ids[j] })
	return r, nil
}

// Lookup 取得帳戶，不存在回傳 ErrAccountNotFound
func (r *Registry) Lookup(id int64) (*Account, error) {
	a, ok := r.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %d: %w", id, ErrAccountNotFound)
	}
	return a, nil
}

func (r *Registry) Contains(id int64) bool {
	_, ok := r.accounts[id]
	return ok
}

// IDs 由小到大的帳戶 ID
func (r *Registry) IDs() []int64 {
	out := make([]int64, len(r.ids))
	copy(out, r.ids)
	return out
}

func (r *Registry) HistoryCap() int {
	return r.historyCap
}
