package sync

import (
	"bytes"
	"io"
	goSync "sync"
)

// fakeRemote is an in-memory Connection that records every call made to it.
type fakeRemote struct {
	lock goSync.Mutex

	calls      []string
	dirs       map[string]bool
	files      map[string][]byte
	writeSizes []int

	// failWrites is the number of WriteFile calls that fail before they start
	// succeeding. A negative value fails forever.
	failWrites int
	ensureErr  error
	removeErr  error

	// connectErrs are returned by successive Connect calls. Once exhausted,
	// Connect succeeds.
	connectErrs []error
	alive       bool
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		dirs:  map[string]bool{},
		files: map[string][]byte{},
		alive: true,
	}
}

func (r *fakeRemote) record(call string) {
	r.calls = append(r.calls, call)
}

func (r *fakeRemote) getCalls() []string {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]string{}, r.calls...)
}

func (r *fakeRemote) count(call string) (n int) {
	for _, c := range r.getCalls() {
		if c == call {
			n++
		}
	}
	return n
}

func (r *fakeRemote) Connect() error {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.record("connect")
	if len(r.connectErrs) > 0 {
		err := r.connectErrs[0]
		r.connectErrs = r.connectErrs[1:]
		return err
	}
	r.alive = true
	return nil
}

func (r *fakeRemote) IsAlive() bool {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.record("probe")
	return r.alive
}

func (r *fakeRemote) EnsureDirectory(path string) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.record("ensure " + path)
	if r.ensureErr != nil {
		return r.ensureErr
	}
	if !r.dirs[path] {
		r.record("mkdir " + path)
		r.dirs[path] = true
	}
	return nil
}

func (r *fakeRemote) WriteFile(path string) (io.WriteCloser, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.record("write " + path)
	if r.failWrites != 0 {
		r.failWrites--
		return nil, io.ErrUnexpectedEOF
	}
	return &fakeFile{remote: r, path: path}, nil
}

func (r *fakeRemote) RemoveFile(path string) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.record("remove " + path)
	if r.removeErr != nil {
		return r.removeErr
	}
	delete(r.files, path)
	return nil
}

type fakeFile struct {
	remote *fakeRemote
	path   string
	buf    bytes.Buffer
}

func (f *fakeFile) Write(p []byte) (int, error) {
	f.remote.lock.Lock()
	f.remote.writeSizes = append(f.remote.writeSizes, len(p))
	f.remote.lock.Unlock()
	return f.buf.Write(p)
}

func (f *fakeFile) Close() error {
	f.remote.lock.Lock()
	defer f.remote.lock.Unlock()
	f.remote.files[f.path] = f.buf.Bytes()
	return nil
}
