package domain

// DefaultHistoryCap 預設保留最近 10 筆交易
const DefaultHistoryCap = 10

// History 固定容量的環狀緩衝區
// 滿了之後新的一筆會覆蓋最舊的一筆，記憶體用量固定
// 非 thread-safe，由 Account 的鎖保護
type History struct {
	buf  []Entry
	head int // 下一筆寫入的位置
	size int
}

// NewHistory 建立容量為 capacity 的 History，capacity <= 0 時使用 DefaultHistoryCap
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistoryCap
	}
	return &History{buf: make([]Entry, capacity)}
}

// Push 寫入一筆紀錄，已滿則丟棄最舊的一筆
func (h *History) Push(e Entry) {
	h.buf[h.head] = e
	h.head = (h.head + 1) % len(h.buf)
	if h.size < len(h.buf) {
		h.size++
	}
}

func (h *History) Len() int { return h.size }

func (h *History) Cap() int { return len(h.buf) }

// Recent 回傳由新到舊排列的複本
func (h *History) Recent() []Entry {
	out := make([]Entry, h.size)
	n := len(h.buf)
	for i := 0; i < h.size; i++ {
		out[i] = h.buf[(h.head-1-i+n)%n]
	}
	return out
}
