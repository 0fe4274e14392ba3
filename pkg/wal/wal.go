package wal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"sync"
)

// 自己定義常用的權限常量
const (
	// rw-r--r-- (擁有者讀寫，其他人唯讀) - 適用於大多數檔案
	FileModeReadOnly fs.FileMode = 0644

	// rw------- (只有擁有者可讀寫) - 適用於私鑰、機密檔
	FileModePrivate fs.FileMode = 0600
)

// ErrBroken 之前的寫入失敗過，WAL 內容可能不完整，拒絕再寫入
var ErrBroken = errors.New("wal: broken by previous write failure")

// ErrUnrecoverable 上次寫入失敗後無法還原檔案長度，不能安全重放
var ErrUnrecoverable = errors.New("wal: unrecoverable")

// brokenSuffix 無法截斷時留下的標記檔，內容是最後一筆成功紀錄結束的位置
const brokenSuffix = ".broken"

// Option 設定 WAL
type Option func(*WAL)

// WithSync 每次 Append 後是否 fsync (預設 true)
// 關閉後只保證寫進 OS page cache，效能較好但斷電可能遺失最後幾筆
func WithSync(sync bool) Option {
	return func(w *WAL) {
		w.sync = sync
	}
}

// WAL 以 JSON Lines 格式記錄的 Write-Ahead Log
// 可多個 goroutine 同時 Append
type WAL struct {
	path string
	file *os.File
	buf  *bufio.Writer
	mu   sync.Mutex
	sync bool
	// size 已確認寫入成功的長度，失敗時截斷回這裡
	size int64
	// 寫入失敗後就不再接受寫入 (fail-stop)，避免回報失敗的資料之後又被 flush 進檔案
	err error

	syncFile     func() error
	truncateFile func(size int64) error
}

// NewWAL 開啟或建立一個 WAL 檔案
// O_RDWR讀寫模式
// O_APPEND 每次寫入時自動跳到文件末尾
// O_CREATE 如果文件不存在則建立
// 上次留下 .broken 標記時，先截斷回標記的位置；做不到就拒絕開啟
func NewWAL(path string, opts ...Option) (*WAL, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, FileModeReadOnly)
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", path, err)
	}
	if err := repairBroken(path, file); err != nil {
		file.Close()
		return nil, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("wal: stat %s: %w", path, err)
	}
	w := &WAL{
		path: path,
		file: file,
		buf:  bufio.NewWriter(file),
		sync: true,
		size: info.Size(),
	}
	w.syncFile = file.Sync
	w.truncateFile = file.Truncate
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// repairBroken 依標記檔截斷並移除標記
func repairBroken(path string, file *os.File) error {
	marker := path + brokenSuffix
	data, err := os.ReadFile(marker)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: read %s: %w", ErrUnrecoverable, marker, err)
	}
	size, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil || size < 0 {
		return fmt.Errorf("%w: bad marker %s: %q", ErrUnrecoverable, marker, data)
	}
	if err := file.Truncate(size); err != nil {
		return fmt.Errorf("%w: truncate to %d: %w", ErrUnrecoverable, size, err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("%w: sync after truncate: %w", ErrUnrecoverable, err)
	}
	if err := os.Remove(marker); err != nil {
		return fmt.Errorf("%w: remove %s: %w", ErrUnrecoverable, marker, err)
	}
	return nil
}

// Append 寫入一筆資料並刷入檔案
// 回傳 nil 代表資料已經在檔案內 (sync 開啟時已落盤)
func (w *WAL) Append(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.err != nil {
		return w.err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("wal: encode: %w", err)
	}
	line := append(data, '\n')
	if _, err := w.buf.Write(line); err != nil {
		return w.fail(fmt.Errorf("wal: write: %w", err))
	}
	if err := w.buf.Flush(); err != nil {
		return w.fail(fmt.Errorf("wal: flush: %w", err))
	}
	if w.sync {
		if err := w.syncFile(); err != nil {
			return w.fail(fmt.Errorf("wal: sync: %w", err))
		}
	}
	w.size += int64(len(line))
	return nil
}

// fail 回報失敗的紀錄可能已部分進入檔案，截斷回 w.size
// 截斷失敗時留下標記檔，下次 NewWAL 會處理或拒絕開啟
func (w *WAL) fail(err error) error {
	if terr := w.truncateFile(w.size); terr != nil {
		err = errors.Join(err, fmt.Errorf("wal: rollback truncate: %w", terr))
		marker := w.path + brokenSuffix
		if merr := os.WriteFile(marker, []byte(strconv.FormatInt(w.size, 10)), FileModePrivate); merr != nil {
			err = errors.Join(err, fmt.Errorf("wal: write marker %s: %w", marker, merr))
		}
	}
	w.err = fmt.Errorf("%w: %w", ErrBroken, err)
	return w.err
}

// Sync 強制刷入硬碟
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.buf.Flush(); err != nil {
		return err
	}
	return w.file.Sync()
}

// Close 關閉檔案
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	flushErr := w.buf.Flush()
	closeErr := w.file.Close()
	return errors.Join(flushErr, closeErr)
}

// ReadAll 由頭讀取所有資料
// callback 接收單筆 JSON，這樣可以避免一次將所有資料載入記憶體
// 檔案尾端若有寫到一半的紀錄 (當機造成)，會被截斷後正常結束
func (w *WAL) ReadAll(callback func(jsonRaw []byte) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	// 確保從頭讀取
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("wal: seek: %w", err)
	}

	decoder := json.NewDecoder(w.file)
	var good int64
	for {
		var raw json.RawMessage
		if err := decoder.Decode(&raw); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return w.truncate(good)
			}
			return fmt.Errorf("wal: decode: %w", err)
		}
		if err := callback(raw); err != nil {
			return err
		}
		good = decoder.InputOffset()
	}
}

// truncate 丟掉 offset 之後殘缺的資料
func (w *WAL) truncate(offset int64) error {
	if err := w.file.Truncate(offset); err != nil {
		return fmt.Errorf("wal: truncate torn tail: %w", err)
	}
	w.size = offset
	if _, err := w.file.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("wal: seek: %w", err)
	}
	return nil
}
