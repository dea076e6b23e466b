package common

import (
	"bytes"
	"context"
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestCopyThrottled(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	data := bytes.Repeat([]byte("gojocore"), 300000)
	require.NoError(t, os.WriteFile(src, data, 0o644))

	dst := filepath.Join(dir, "archive", "dst")
	limiter := rate.NewLimiter(rate.Inf, 64*1024)
	res, err := CopyThrottled(context.Background(), src, dst, limiter, true, nil)
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), res.Bytes)
	want := sha256.Sum256(data)
	require.Equal(t, want[:], res.SHA256)

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, data, got)
	_, err = os.Stat(dst + ".tmp")
	require.True(t, os.IsNotExist(err))
}

func TestCopyThrottledCanceled(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	require.NoError(t, os.WriteFile(src, make([]byte, 4096), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := CopyThrottled(ctx, src, filepath.Join(dir, "dst"), nil, false, nil)
	require.ErrorIs(t, err, context.Canceled)
	_, err = os.Stat(filepath.Join(dir, "dst"))
	require.True(t, os.IsNotExist(err))
}
