package sync

import (
	"context"
	"fmt"
	goSync "sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/sidkik/sftpwatch/pkg/errors"
)

// DefaultReconnectDelay is the pause between attempts to reestablish the
// remote session.
const DefaultReconnectDelay = 5 * time.Second

// Connection is a remote session that can be checked and reestablished.
type Connection interface {
	Remote
	Connect() error
	IsAlive() bool
}

// State is the engine's view of the remote connection.
type State int

const (
	// Disconnected means the next event must reconnect before doing anything
	// remote.
	Disconnected State = iota
	Connected
	// ShuttingDown is terminal. Events are dropped.
	ShuttingDown
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	case ShuttingDown:
		return "shutting down"
	default:
		return "unknown"
	}
}

// Outcome describes what handling an event did.
type Outcome int

const (
	// OutcomeDropped means the engine was shutting down.
	OutcomeDropped Outcome = iota
	OutcomeIgnored
	// OutcomeSkipped means there was nothing to do for the path, for example
	// because it's a directory.
	OutcomeSkipped
	OutcomeUploaded
	OutcomeRemoved
	// OutcomeNotRemoved means a best-effort removal didn't succeed.
	OutcomeNotRemoved
	// OutcomeFailed means the upload was abandoned after exhausting retries.
	OutcomeFailed
)

// Engine applies local change events to the remote, one at a time.
type Engine struct {
	ReconnectDelay time.Duration

	translator Translator
	conn       Connection
	uploader   Uploader
	clock      clockwork.Clock
	log        logrus.FieldLogger

	// handleLock serializes event handling. The connection and retry state
	// aren't safe for concurrent use.
	handleLock goSync.Mutex

	stateLock    goSync.Mutex
	state        State
	shutdown     chan struct{}
	shutdownOnce goSync.Once
}

// NewEngine returns an Engine in the Disconnected state. If `conn` has
// already been connected, call MarkConnected.
func NewEngine(log logrus.FieldLogger, clock clockwork.Clock, translator Translator,
	conn Connection) *Engine {
	return &Engine{
		ReconnectDelay: DefaultReconnectDelay,
		translator:     translator,
		conn:           conn,
		uploader:       NewUploader(log, clock),
		clock:          clock,
		log:            log,
		state:          Disconnected,
		shutdown:       make(chan struct{}),
	}
}

// State returns the current state.
func (e *Engine) State() State {
	e.stateLock.Lock()
	defer e.stateLock.Unlock()
	return e.state
}

func (e *Engine) setState(state State) {
	e.stateLock.Lock()
	defer e.stateLock.Unlock()

	// Nothing leaves ShuttingDown.
	if e.state != ShuttingDown {
		e.state = state
	}
}

// MarkConnected records that the connection was established outside the
// engine, such as during startup.
func (e *Engine) MarkConnected() {
	e.setState(Connected)
}

// Shutdown moves the engine to ShuttingDown. Later events are dropped, and
// an event waiting to reconnect gives up. It doesn't wait for the event being
// handled.
func (e *Engine) Shutdown() {
	e.shutdownOnce.Do(func() {
		e.stateLock.Lock()
		e.state = ShuttingDown
		e.stateLock.Unlock()
		close(e.shutdown)
	})
}

// Run handles events until the channel is closed, the context is cancelled,
// or Shutdown is called.
func (e *Engine) Run(ctx context.Context, events <-chan ChangeEvent) error {
	defer e.Shutdown()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.shutdown:
			return nil
		case event, ok := <-events:
			if !ok {
				return nil
			}
			e.Handle(ctx, event)
		}
	}
}

// Handle applies a single event to the remote. Errors are logged rather than
// returned, since a failure for one file must not affect the next.
// Cancelling `ctx` has the same effect as Shutdown.
func (e *Engine) Handle(ctx context.Context, event ChangeEvent) Outcome {
	e.handleLock.Lock()
	defer e.handleLock.Unlock()

	if e.State() == ShuttingDown {
		return OutcomeDropped
	}

	log := e.log.WithField("path", event.Path)

	// Translation doesn't touch the remote, so ignored paths are dropped
	// before the connection is checked.
	remotePath, viaBase, err := e.translator.translate(event.Path)
	switch err {
	case nil:
		if viaBase {
			log.WithField("root", e.translator.Root).Debug(
				"Matched mapping by prefixing the root directory's name")
		}
	case ErrIgnored:
		log.Debug("Ignoring change")
		return OutcomeIgnored
	case ErrRemoteRoot:
		log.Warn("Path maps to the remote root directory. Check the path " +
			"mappings. Skipping.")
		return OutcomeSkipped
	default:
		log.WithError(err).Warn("Failed to translate path. Skipping.")
		return OutcomeSkipped
	}

	if !e.ensureConnected(ctx) {
		return OutcomeDropped
	}

	log = log.WithField("remote", remotePath)
	switch {
	case event.Kind.needsUpload():
		return e.upload(ctx, log, event.Path, remotePath)
	case event.Kind.needsRemoval():
		log.Infof("Removing %s", remotePath)
		if BestEffortRemoval(log, e.conn, remotePath) {
			return OutcomeRemoved
		}
		return OutcomeNotRemoved
	default:
		log.WithField("kind", event.Kind).Debug("Unhandled event kind")
		return OutcomeSkipped
	}
}

func (e *Engine) upload(ctx context.Context, log logrus.FieldLogger,
	localPath, remotePath string) Outcome {

	n, err := e.uploader.Upload(ctx, localPath, remotePath, e.conn)
	if err == nil {
		log.Infof("%s: sent %s to %s", localPath, humanize.Bytes(uint64(n)), remotePath)
		return OutcomeUploaded
	}

	if notUploadable, ok := errors.RootCause(err).(errors.NotUploadable); ok {
		log.Infof("Not a file (%s), skipping", notUploadable.Reason)
		return OutcomeSkipped
	}

	if e.stopping(ctx) {
		return OutcomeDropped
	}

	log.WithError(err).Error("Failed to upload file. Giving up on this change.")
	return OutcomeFailed
}

// ensureConnected makes sure the connection is live, reconnecting as many
// times as it takes. It only returns false if the engine is shutting down.
func (e *Engine) ensureConnected(ctx context.Context) bool {
	if e.State() == Connected {
		if e.conn.IsAlive() {
			return true
		}
		e.log.Warn("Lost connection to the remote host")
		e.setState(Disconnected)
	}

	for attempt := 1; ; attempt++ {
		if e.stopping(ctx) {
			return false
		}

		err := e.conn.Connect()
		if err == nil {
			e.setState(Connected)
			e.log.WithField("attempt", attempt).Info("Connected to the remote host")
			return true
		}

		entry := e.log.WithError(err).WithField("attempt", attempt)
		msg := fmt.Sprintf("Failed to connect to the remote host. Retrying in %s.",
			e.ReconnectDelay)
		if attempt == 1 {
			entry.Warn(msg)
		} else {
			entry.Error(msg)
		}

		select {
		case <-e.clock.After(e.ReconnectDelay):
		case <-ctx.Done():
			e.Shutdown()
			return false
		case <-e.shutdown:
			return false
		}
	}
}

func (e *Engine) stopping(ctx context.Context) bool {
	if ctx.Err() != nil {
		e.Shutdown()
	}
	return e.State() == ShuttingDown
}
