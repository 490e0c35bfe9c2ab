package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWhich(t *testing.T) {
	dir := t.TempDir()
	exe := filepath.Join(dir, "gst-validate-1.0")
	require.NoError(t, os.WriteFile(exe, []byte("#!/bin/sh\n"), 0755))
	plain := filepath.Join(dir, "not-executable")
	require.NoError(t, os.WriteFile(plain, []byte(""), 0644))

	assert.Equal(t, exe, Which("gst-validate-1.0", dir))
	assert.Equal(t, "", Which("not-executable", dir))
	assert.Equal(t, "", Which("surely-missing-binary-name", dir))
	assert.Equal(t, exe, Which(exe, ""))
}

func TestPathURLConversions(t *testing.T) {
	uri := PathToURL("/tmp/media dir/file.ogg")
	assert.Equal(t, "file:///tmp/media%20dir/file.ogg", uri)

	path, err := URLToPath(uri)
	require.NoError(t, err)
	assert.Equal(t, filepath.FromSlash("/tmp/media dir/file.ogg"), path)
}

func TestIsURI(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"file:///tmp/a.ogg", true},
		{"http://127.0.0.1:8079/a.ogg", true},
		{"/tmp/a.ogg", false},
		{"relative/a.ogg", false},
		{"C:/media/a.ogg", false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, IsURI(tt.in))
		})
	}
}

func TestCopyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "log.md")
	require.NoError(t, os.WriteFile(src, []byte("content"), 0644))
	assert.True(t, FileExists(src))

	dst := filepath.Join(dir, "flaky_tests", "nested", "log.md")
	require.NoError(t, CopyFile(src, dst))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "content", string(data))
	assert.True(t, DirectoryExists(filepath.Dir(dst)))

	size, err := GetFileSize(dst)
	require.NoError(t, err)
	assert.EqualValues(t, 7, size)
}

func TestClassnameToPath(t *testing.T) {
	assert.Equal(t, filepath.Join("validate", "file", "playback", "play_15s"),
		ClassnameToPath("validate.file.playback.play_15s"))
	assert.Equal(t, "sample", GetFileStem("/a/b/sample.ogg"))
}
