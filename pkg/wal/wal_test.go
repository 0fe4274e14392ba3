package wal

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	Seq  int    `json:"seq"`
	Note string `json:"note"`
}

func readAll(t *testing.T, w *WAL) []record {
	t.Helper()
	var out []record
	err := w.ReadAll(func(raw []byte) error {
		var r record
		if err := json.Unmarshal(raw, &r); err != nil {
			return err
		}
		out = append(out, r)
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestAppendAndReadAll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")

	w, err := NewWAL(path)
	require.NoError(t, err)
	require.NoError(t, w.Append(record{Seq: 1, Note: "a"}))
	require.NoError(t, w.Append(record{Seq: 2, Note: "b"}))
	require.NoError(t, w.Close())

	w, err = NewWAL(path, WithSync(false))
	require.NoError(t, err)
	defer w.Close()

	assert.Equal(t, []record{{1, "a"}, {2, "b"}}, readAll(t, w))

	// 讀完之後仍可繼續寫
	require.NoError(t, w.Append(record{Seq: 3, Note: "c"}))
	assert.Len(t, readAll(t, w), 3)
}

func TestReadAllTruncatesTornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	content := `{"seq":1,"note":"a"}` + "\n" + `{"seq":2,"no`
	require.NoError(t, os.WriteFile(path, []byte(content), FileModePrivate))

	w, err := NewWAL(path)
	require.NoError(t, err)
	defer w.Close()

	assert.Equal(t, []record{{1, "a"}}, readAll(t, w))

	require.NoError(t, w.Append(record{Seq: 2, Note: "b"}))
	assert.Equal(t, []record{{1, "a"}, {2, "b"}}, readAll(t, w))
}

func TestReadAllCallbackError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	w, err := NewWAL(path)
	require.NoError(t, err)
	defer w.Close()
	require.NoError(t, w.Append(record{Seq: 1}))

	err = w.ReadAll(func([]byte) error { return os.ErrInvalid })
	require.ErrorIs(t, err, os.ErrInvalid)
}

func TestAppendAfterCloseBreaks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	w, err := NewWAL(path)
	require.NoError(t, err)
	require.NoError(t, w.file.Close())

	err = w.Append(record{Seq: 1})
	require.ErrorIs(t, err, ErrBroken)
	// 之後的寫入一律拒絕
	require.ErrorIs(t, w.Append(record{Seq: 2}), ErrBroken)
}

func TestAppendEncodeError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	w, err := NewWAL(path)
	require.NoError(t, err)
	defer w.Close()

	err = w.Append(make(chan int))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrBroken)
	require.NoError(t, w.Append(record{Seq: 1}))
}

func fileSize(t *testing.T, path string) int64 {
	t.Helper()
	info, err := os.Stat(path)
	require.NoError(t, err)
	return info.Size()
}

func TestSyncFailureRollsBackRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	w, err := NewWAL(path)
	require.NoError(t, err)
	require.NoError(t, w.Append(record{Seq: 1, Note: "kept"}))
	before := fileSize(t, path)

	// flush 成功、fsync 失敗: 資料已在檔案內但回報失敗
	w.syncFile = func() error { return os.ErrInvalid }
	err = w.Append(record{Seq: 2, Note: "rejected"})
	require.ErrorIs(t, err, ErrBroken)
	require.ErrorIs(t, err, os.ErrInvalid)
	assert.Equal(t, before, fileSize(t, path))
	require.ErrorIs(t, w.Append(record{Seq: 3}), ErrBroken)
	require.NoError(t, w.Close())

	// 重啟後不會重放被拒絕的紀錄
	w, err = NewWAL(path)
	require.NoError(t, err)
	defer w.Close()
	assert.Equal(t, []record{{1, "kept"}}, readAll(t, w))
	_, err = os.Stat(path + brokenSuffix)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestRollbackFailureLeavesMarker(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	w, err := NewWAL(path)
	require.NoError(t, err)
	require.NoError(t, w.Append(record{Seq: 1, Note: "kept"}))
	before := fileSize(t, path)

	w.syncFile = func() error { return os.ErrInvalid }
	w.truncateFile = func(int64) error { return os.ErrPermission }
	err = w.Append(record{Seq: 2, Note: "rejected"})
	require.ErrorIs(t, err, ErrBroken)
	require.ErrorIs(t, err, os.ErrPermission)
	require.NoError(t, w.Close())

	// 截斷沒做成，被拒絕的紀錄還在檔案尾端
	assert.Greater(t, fileSize(t, path), before)
	marker, err := os.ReadFile(path + brokenSuffix)
	require.NoError(t, err)
	assert.Equal(t, strconv.FormatInt(before, 10), string(marker))

	// 重新開啟時依標記截斷
	w, err = NewWAL(path)
	require.NoError(t, err)
	defer w.Close()
	assert.Equal(t, before, fileSize(t, path))
	assert.Equal(t, []record{{1, "kept"}}, readAll(t, w))
	_, err = os.Stat(path + brokenSuffix)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestNewWALRefusesBadMarker(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	require.NoError(t, os.WriteFile(path, []byte(`{"seq":1,"note":"a"}`+"\n"), FileModePrivate))
	require.NoError(t, os.WriteFile(path+brokenSuffix, []byte("not-a-size"), FileModePrivate))

	_, err := NewWAL(path)
	require.ErrorIs(t, err, ErrUnrecoverable)
}
