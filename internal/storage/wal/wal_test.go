package wal

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-query/pkg/types"
)

func newExec(id string, status types.ExecutionStatus) *types.QueryExecution {
	return &types.QueryExecution{ID: id, TenantID: "s1", Status: status, ReproducibilityHash: "h"}
}

func TestWAL_AppendAndReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exec.wal")
	w, err := NewWAL(path, true)
	require.NoError(t, err)

	seq, err := w.AppendExecution(newExec("e1", types.ExecPending))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)
	_, err = w.AppendExecution(newExec("e2", types.ExecPending))
	require.NoError(t, err)
	seq, err = w.AppendExecution(newExec("e1", types.ExecQueued))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), seq)

	final := map[string]types.ExecutionStatus{}
	n, err := w.ReplayExecutions(func(exec *types.QueryExecution) { final[exec.ID] = exec.Status })
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, types.ExecQueued, final["e1"])
	assert.Equal(t, types.ExecPending, final["e2"])

	require.NoError(t, w.Close())
	_, err = w.AppendExecution(newExec("e3", types.ExecPending))
	assert.ErrorIs(t, err, ErrWALClosed)

	// 重新開啟後序號延續
	w, err = NewWAL(path, true)
	require.NoError(t, err)
	defer w.Close()
	assert.Equal(t, uint64(3), w.LastSeq())
	seq, err = w.AppendExecution(newExec("e3", types.ExecPending))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), seq)

	require.NoError(t, ValidateWAL(path))
	count, err := CountEvents(path)
	require.NoError(t, err)
	assert.Equal(t, 4, count)
}

func TestWAL_BufferedAppendFlushesOnReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exec.wal")
	w, err := NewWAL(path, false)
	require.NoError(t, err)
	defer w.Close()

	_, err = w.AppendExecution(newExec("e1", types.ExecPending))
	require.NoError(t, err)

	n, err := w.ReplayExecutions(func(*types.QueryExecution) {})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestWAL_ChecksumMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exec.wal")
	w, err := NewWAL(path, true)
	require.NoError(t, err)
	_, err = w.AppendExecution(newExec("e1", types.ExecPending))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(raw), `"e1"`, `"e9"`, 1)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0644))

	w, err = NewWAL(path, true)
	require.NoError(t, err)
	defer w.Close()
	err = w.Replay(func(Event) error { return nil })
	assert.ErrorIs(t, err, ErrChecksumMismatch)
	assert.ErrorIs(t, ValidateWAL(path), ErrChecksumMismatch)

	var recErr *RecordError
	require.ErrorAs(t, err, &recErr)
	assert.Equal(t, uint64(1), recErr.Seq)
	assert.Contains(t, recErr.Error(), "seq=1")
}

func TestWAL_FlushWritesBufferedRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exec.wal")
	w, err := NewWAL(path, false)
	require.NoError(t, err)
	defer w.Close()
	assert.Equal(t, time.Second, w.FlushInterval())

	_, err = w.AppendExecution(newExec("e1", types.ExecPending))
	require.NoError(t, err)
	require.Equal(t, 1, w.Buffered())
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Zero(t, info.Size())

	require.NoError(t, w.Flush())
	assert.Zero(t, w.Buffered())
	n, err := CountEvents(path)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.Flush(), ErrWALClosed)
}

func TestWAL_Rotate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "exec.wal")
	w, err := NewWAL(path, true)
	require.NoError(t, err)
	defer w.Close()

	_, err = w.AppendExecution(newExec("old", types.ExecPending))
	require.NoError(t, err)
	require.NoError(t, w.Rotate())
	seq, err := w.AppendExecution(newExec("new", types.ExecPending))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq, "sequence continues across rotation")

	var ids []string
	_, err = w.ReplayExecutions(func(exec *types.QueryExecution) { ids = append(ids, exec.ID) })
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, ids)

	matches, err := filepath.Glob(path + ".*")
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestGetLastEvent_Empty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.wal")
	require.NoError(t, os.WriteFile(path, nil, 0644))
	_, err := GetLastEvent(path)
	assert.ErrorIs(t, err, ErrEmptyWAL)
}
