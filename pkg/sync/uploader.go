package sync

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/sftpwatch/pkg/errors"
)

// Mocked out for unit testing.
var fs = afero.NewOsFs()

const (
	// ChunkSize is the size of each write to the remote file.
	ChunkSize = 8 * 1024

	// DefaultMaxRetries is the number of times a failed upload is retried
	// before the event is abandoned.
	DefaultMaxRetries = 5

	// DefaultRetryDelay is the pause between upload attempts.
	DefaultRetryDelay = 500 * time.Millisecond
)

// Remote is the set of operations on the remote filesystem needed to mirror
// files.
type Remote interface {
	// EnsureDirectory creates `path` if it doesn't exist. It doesn't create
	// parent directories.
	EnsureDirectory(path string) error
	WriteFile(path string) (io.WriteCloser, error)
	// RemoveFile deletes a file. It fails for directories.
	RemoveFile(path string) error
}

// Uploader copies local files to the remote, retrying the whole transfer
// when it fails.
type Uploader struct {
	MaxRetries int
	RetryDelay time.Duration

	clock clockwork.Clock
	log   logrus.FieldLogger
}

// NewUploader returns an Uploader with the default retry policy.
func NewUploader(log logrus.FieldLogger, clock clockwork.Clock) Uploader {
	return Uploader{
		MaxRetries: DefaultMaxRetries,
		RetryDelay: DefaultRetryDelay,
		clock:      clock,
		log:        log,
	}
}

// Upload mirrors `localPath` to `remotePath`, and returns the number of bytes
// sent. Paths that aren't regular files or symlinks return a NotUploadable
// error without being retried. Any other failure is retried up to MaxRetries
// times, after which the last error is returned.
//
// A failure midway through a transfer leaves the remote file partially
// written.
func (u Uploader) Upload(ctx context.Context, localPath, remotePath string, remote Remote) (int64, error) {
	for attempt := 0; ; attempt++ {
		n, err := u.uploadOnce(localPath, remotePath, remote)
		if err == nil {
			return n, nil
		}

		if _, ok := errors.RootCause(err).(errors.NotUploadable); ok {
			return 0, err
		}

		u.log.WithError(err).WithFields(logrus.Fields{
			"path":    localPath,
			"attempt": attempt + 1,
		}).Error("Unable to upload file")

		if attempt >= u.MaxRetries {
			return 0, errors.WithContext(err, fmt.Sprintf("gave up after %d attempts", attempt+1))
		}

		select {
		case <-u.clock.After(u.RetryDelay):
		case <-ctx.Done():
			return 0, errors.WithContext(ctx.Err(), "upload cancelled")
		}
	}
}

func (u Uploader) uploadOnce(localPath, remotePath string, remote Remote) (int64, error) {
	if err := ensureParents(remotePath, remote); err != nil {
		return 0, errors.WithContext(err, "ensure parent directories")
	}

	if err := checkUploadable(localPath); err != nil {
		return 0, err
	}
	return transfer(localPath, remotePath, remote)
}

// ensureParents creates each ancestor of `remotePath` from the root down,
// since the remote can only create a directory whose parent exists.
func ensureParents(remotePath string, remote Remote) error {
	var current string
	for _, segment := range strings.Split(path.Dir(remotePath), "/") {
		if segment == "" {
			continue
		}

		current += "/" + segment
		if err := remote.EnsureDirectory(current); err != nil {
			return errors.WithContext(err, fmt.Sprintf("ensure %s", current))
		}
	}
	return nil
}

func checkUploadable(localPath string) error {
	fi, err := lstat(localPath)
	if err != nil {
		if os.IsNotExist(err) {
			// Typically a temporary file, such as vim's .swp files, that was
			// removed before we got to it.
			return errors.NotUploadable{Path: localPath, Reason: "no longer exists"}
		}
		return errors.WithContext(err, "stat local file")
	}

	mode := fi.Mode()
	switch {
	case mode.IsRegular():
		return nil
	case mode&os.ModeSymlink != 0:
		// Symlinks are uploaded as the file they point to.
		target, err := fs.Stat(localPath)
		switch {
		case os.IsNotExist(err):
			return errors.NotUploadable{Path: localPath, Reason: "broken symlink"}
		case err != nil:
			return errors.WithContext(err, "stat symlink target")
		case !target.Mode().IsRegular():
			return errors.NotUploadable{Path: localPath, Reason: "symlink to " + kind(target.Mode())}
		}
		return nil
	case mode.IsDir():
		return errors.NotUploadable{Path: localPath, Reason: "directory"}
	default:
		return errors.NotUploadable{Path: localPath, Reason: kind(mode)}
	}
}

func kind(mode os.FileMode) string {
	if mode.IsDir() {
		return "directory"
	}
	return mode.Type().String()
}

func lstat(localPath string) (os.FileInfo, error) {
	if lstater, ok := fs.(afero.Lstater); ok {
		fi, _, err := lstater.LstatIfPossible(localPath)
		return fi, err
	}
	return fs.Stat(localPath)
}

func transfer(localPath, remotePath string, remote Remote) (total int64, err error) {
	src, err := fs.Open(localPath)
	if err != nil {
		return 0, errors.WithContext(err, "open local file")
	}
	defer src.Close()

	dst, err := remote.WriteFile(remotePath)
	if err != nil {
		return 0, errors.WithContext(err, "open remote file")
	}
	defer func() {
		if closeErr := dst.Close(); closeErr != nil && err == nil {
			err = errors.WithContext(closeErr, "close remote file")
		}
	}()

	buf := make([]byte, ChunkSize)
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return total, errors.WithContext(err, "write chunk")
			}
			total += int64(n)
		}

		if readErr == io.EOF {
			return total, nil
		}
		if readErr != nil {
			return total, errors.WithContext(readErr, "read local file")
		}
	}
}

// BestEffortRemoval deletes `remotePath` exactly once. A failure, including
// the file not existing, is logged and then dropped: it's never returned or
// retried, so a flaky connection can't turn into repeated deletes. The result
// only reports whether the file was removed. Remote directories are never
// removed.
func BestEffortRemoval(log logrus.FieldLogger, remote Remote, remotePath string) bool {
	if err := remote.RemoveFile(remotePath); err != nil {
		log.WithError(err).WithFields(logrus.Fields{
			"path":   remotePath,
			"policy": "best-effort-removal",
		}).Info("Remote file not removed")
		return false
	}
	return true
}
