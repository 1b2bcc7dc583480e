package sync

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	logrusTest "github.com/sirupsen/logrus/hooks/test"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/sftpwatch/pkg/errors"
)

type uploadResult struct {
	n   int64
	err error
}

func startUpload(ctx context.Context, u Uploader, local, remotePath string,
	remote Remote) chan uploadResult {
	result := make(chan uploadResult, 1)
	go func() {
		n, err := u.Upload(ctx, local, remotePath, remote)
		result <- uploadResult{n, err}
	}()
	return result
}

func TestUploadCreatesParentDirectories(t *testing.T) {
	fs = afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/local/c.txt", []byte("hello"), 0644))

	remote := newFakeRemote()
	logger, _ := logrusTest.NewNullLogger()
	u := NewUploader(logger, clockwork.NewFakeClock())

	n, err := u.Upload(context.Background(), "/local/c.txt", "/a/b/c.txt", remote)
	assert.NoError(t, err)
	assert.Equal(t, int64(5), n)
	assert.Equal(t, []string{
		"ensure /a", "mkdir /a",
		"ensure /a/b", "mkdir /a/b",
		"write /a/b/c.txt",
	}, remote.getCalls())
	assert.Equal(t, []byte("hello"), remote.files["/a/b/c.txt"])
}

func TestUploadToRootDirectory(t *testing.T) {
	fs = afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/local/robots.txt", []byte("x"), 0644))

	remote := newFakeRemote()
	logger, _ := logrusTest.NewNullLogger()
	u := NewUploader(logger, clockwork.NewFakeClock())

	_, err := u.Upload(context.Background(), "/local/robots.txt", "/robots.txt", remote)
	assert.NoError(t, err)
	assert.Equal(t, []string{"write /robots.txt"}, remote.getCalls())
}

func TestUploadStreamsInChunks(t *testing.T) {
	fs = afero.NewMemMapFs()
	contents := bytes.Repeat([]byte("a"), 2*ChunkSize+100)
	require.NoError(t, afero.WriteFile(fs, "/local/big.bin", contents, 0644))

	remote := newFakeRemote()
	logger, _ := logrusTest.NewNullLogger()
	u := NewUploader(logger, clockwork.NewFakeClock())

	n, err := u.Upload(context.Background(), "/local/big.bin", "/big.bin", remote)
	assert.NoError(t, err)
	assert.Equal(t, int64(len(contents)), n)
	assert.Equal(t, []int{ChunkSize, ChunkSize, 100}, remote.writeSizes)
	assert.Equal(t, contents, remote.files["/big.bin"])
}

func TestUploadRetryBound(t *testing.T) {
	fs = afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/local/c.txt", []byte("hello"), 0644))

	remote := newFakeRemote()
	remote.failWrites = -1
	clock := clockwork.NewFakeClock()
	logger, logHook := logrusTest.NewNullLogger()
	u := NewUploader(logger, clock)

	result := startUpload(context.Background(), u, "/local/c.txt", "/a/c.txt", remote)
	for i := 0; i < DefaultMaxRetries; i++ {
		clock.BlockUntil(1)
		clock.Advance(DefaultRetryDelay)
	}

	select {
	case res := <-result:
		assert.Error(t, res.err)
		assert.True(t, strings.HasPrefix(res.err.Error(), "gave up after 6 attempts"))
	case <-time.After(5 * time.Second):
		t.Fatal("upload didn't give up")
	}

	assert.Equal(t, 6, remote.count("write /a/c.txt"))
	assert.Equal(t, 6, remote.count("ensure /a"))
	assert.Len(t, logHook.AllEntries(), 6)
	for _, entry := range logHook.AllEntries() {
		assert.Equal(t, logrus.ErrorLevel, entry.Level)
	}
}

func TestUploadRecoversAfterTransientFailure(t *testing.T) {
	fs = afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/local/c.txt", []byte("hello"), 0644))

	remote := newFakeRemote()
	remote.failWrites = 2
	clock := clockwork.NewFakeClock()
	logger, _ := logrusTest.NewNullLogger()
	u := NewUploader(logger, clock)

	result := startUpload(context.Background(), u, "/local/c.txt", "/c.txt", remote)
	for i := 0; i < 2; i++ {
		clock.BlockUntil(1)
		clock.Advance(DefaultRetryDelay)
	}

	res := <-result
	assert.NoError(t, res.err)
	assert.Equal(t, int64(5), res.n)
	assert.Equal(t, 3, remote.count("write /c.txt"))
}

func TestUploadRetriesDirectoryFailures(t *testing.T) {
	fs = afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/local/c.txt", []byte("hello"), 0644))

	remote := newFakeRemote()
	remote.ensureErr = assert.AnError
	clock := clockwork.NewFakeClock()
	logger, _ := logrusTest.NewNullLogger()
	u := NewUploader(logger, clock)
	u.MaxRetries = 1

	result := startUpload(context.Background(), u, "/local/c.txt", "/a/c.txt", remote)
	clock.BlockUntil(1)
	clock.Advance(DefaultRetryDelay)

	res := <-result
	assert.True(t, errors.Is(res.err, assert.AnError))
	assert.Equal(t, 2, remote.count("ensure /a"))
	assert.Equal(t, 0, remote.count("write /a/c.txt"))
}

func TestUploadSkipsNonFiles(t *testing.T) {
	fs = afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/local/dir", 0755))

	tests := []struct {
		name      string
		path      string
		expReason string
	}{
		{name: "Directory", path: "/local/dir", expReason: "directory"},
		{name: "Missing", path: "/local/gone.swp", expReason: "no longer exists"},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			remote := newFakeRemote()
			logger, logHook := logrusTest.NewNullLogger()
			u := NewUploader(logger, clockwork.NewFakeClock())

			// No clock advances are needed since skipped paths aren't retried.
			_, err := u.Upload(context.Background(), test.path, "/x/y", remote)
			assert.Equal(t, errors.NotUploadable{Path: test.path, Reason: test.expReason},
				errors.RootCause(err))
			assert.Equal(t, []string{"ensure /x", "mkdir /x"}, remote.getCalls())
			assert.Empty(t, logHook.AllEntries())
		})
	}
}

func TestUploadSymlinks(t *testing.T) {
	fs = afero.NewOsFs()
	dir := t.TempDir()
	target := filepath.Join(dir, "target.txt")
	require.NoError(t, os.WriteFile(target, []byte("linked"), 0644))
	require.NoError(t, os.Symlink(target, filepath.Join(dir, "file-link")))
	require.NoError(t, os.Symlink(dir, filepath.Join(dir, "dir-link")))
	require.NoError(t, os.Symlink(filepath.Join(dir, "gone"), filepath.Join(dir, "broken-link")))

	logger, _ := logrusTest.NewNullLogger()
	u := NewUploader(logger, clockwork.NewFakeClock())

	remote := newFakeRemote()
	n, err := u.Upload(context.Background(), filepath.Join(dir, "file-link"), "/file-link", remote)
	assert.NoError(t, err)
	assert.Equal(t, int64(6), n)
	assert.Equal(t, []byte("linked"), remote.files["/file-link"])

	for name, expReason := range map[string]string{
		"dir-link":    "symlink to directory",
		"broken-link": "broken symlink",
	} {
		local := filepath.Join(dir, name)
		_, err := u.Upload(context.Background(), local, "/"+name, newFakeRemote())
		assert.Equal(t, errors.NotUploadable{Path: local, Reason: expReason},
			errors.RootCause(err), name)
	}
}

func TestUploadCancelledWhileWaiting(t *testing.T) {
	fs = afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/local/c.txt", []byte("hello"), 0644))

	remote := newFakeRemote()
	remote.failWrites = -1
	clock := clockwork.NewFakeClock()
	logger, _ := logrusTest.NewNullLogger()
	u := NewUploader(logger, clock)

	ctx, cancel := context.WithCancel(context.Background())
	result := startUpload(ctx, u, "/local/c.txt", "/c.txt", remote)
	clock.BlockUntil(1)
	cancel()

	res := <-result
	assert.True(t, errors.Is(res.err, context.Canceled))
	assert.Equal(t, 1, remote.count("write /c.txt"))
}

func TestBestEffortRemoval(t *testing.T) {
	logger, logHook := logrusTest.NewNullLogger()

	remote := newFakeRemote()
	remote.files["/a.txt"] = []byte("a")
	assert.True(t, BestEffortRemoval(logger, remote, "/a.txt"))
	assert.NotContains(t, remote.files, "/a.txt")
	assert.Empty(t, logHook.AllEntries())

	remote = newFakeRemote()
	remote.removeErr = assert.AnError
	assert.False(t, BestEffortRemoval(logger, remote, "/missing.txt"))
	assert.Equal(t, []string{"remove /missing.txt"}, remote.getCalls())

	entry := logHook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.InfoLevel, entry.Level)
	assert.Equal(t, "best-effort-removal", entry.Data["policy"])
}
