// Package transfer implements the chunked upload and download state machines.
//
// Both machines move exactly one chunk at a time per transfer: an upload sends
// chunk N+1 only after the host acknowledged chunk N, and a download requests
// chunk N+1 only after chunk N arrived. Neither is safe for concurrent use;
// the session event loop owns them and routes every callback (including
// scheduled timeouts) through that loop.
package transfer

import (
	"errors"
	"time"

	"github.com/1ureka/deskwire/internal/bus"
	"github.com/1ureka/deskwire/internal/config"
)

var (
	ErrEmptyFile            = errors.New("file is empty")
	ErrFileTooLarge         = errors.New("file exceeds the maximum upload size")
	ErrChunkRejected        = errors.New("chunk rejected by host")
	ErrTimeout              = errors.New("transfer timed out")
	ErrRegistrationRejected = errors.New("upload rejected by host")
	ErrDisconnected         = errors.New("connection closed")
	ErrUnreadableFile       = errors.New("cannot read file")
)

// Rejected reports whether err refused a file before any transfer existed,
// so no progress event will follow it.
func Rejected(err error) bool {
	return errors.Is(err, ErrEmptyFile) ||
		errors.Is(err, ErrFileTooLarge) ||
		errors.Is(err, ErrUnreadableFile)
}

// State is the lifecycle position of one transfer.
type State string

const (
	Idle                State = "idle"
	PendingRegistration State = "pending"
	Requested           State = "requested"
	Transferring        State = "transferring"
	Assembling          State = "assembling"
	Completed           State = "completed"
	Delivered           State = "delivered"
	Aborted             State = "aborted"
)

// Progress is the payload of UploadProgress and DownloadProgress.
type Progress struct {
	SessionID string
	FileName  string
	Done      int
	Total     int
	Percent   float64
	State     State
}

func progressOf(sessionID, name string, done, total int, st State) Progress {
	p := Progress{SessionID: sessionID, FileName: name, Done: done, Total: total, State: st}
	if total > 0 {
		p.Percent = float64(done) / float64(total) * 100
	} else if st == Completed || st == Delivered {
		p.Percent = 100
	}
	return p
}

// Sender writes one command line to the host. It never blocks on the peer.
type Sender interface {
	Send(line string)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(line string)

func (f SenderFunc) Send(line string) { f(line) }

// Emitter publishes events to presentation; *bus.Bus satisfies it.
type Emitter interface {
	Emit(ev bus.Event, data any)
}

// Timer is a cancellable scheduled callback.
type Timer interface {
	Stop() bool
}

// Scheduler runs fn after d on the caller's event loop.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) Timer
}

// Options are the transfer policy knobs taken from config.Config.
type Options struct {
	ChunkSize           int
	MaxUploadSize       int64
	ChunkTimeout        time.Duration
	MaxChunkRetries     int
	RegistrationTimeout time.Duration
	RefreshDelay        time.Duration
}

// OptionsFrom extracts the transfer options from a session config.
func OptionsFrom(cfg config.Config) Options {
	return Options{
		ChunkSize:           cfg.ChunkSize,
		MaxUploadSize:       cfg.MaxUploadSize,
		ChunkTimeout:        cfg.ChunkTimeout,
		MaxChunkRetries:     cfg.MaxChunkRetries,
		RegistrationTimeout: cfg.RegistrationTimeout,
		RefreshDelay:        cfg.FileListRefreshDelay,
	}
}

// TotalChunks returns ceil(size / chunkSize).
func TotalChunks(size int64, chunkSize int) int {
	if size <= 0 {
		return 0
	}
	return int((size + int64(chunkSize) - 1) / int64(chunkSize))
}

// watchdog arms at most one timer at a time. Every arm bumps the generation
// so a callback that lost a race with Stop can recognise itself as stale.
type watchdog struct {
	timer Timer
	gen   uint64
}

func (w *watchdog) arm(s Scheduler, d time.Duration, fn func()) {
	w.stop()
	if d <= 0 {
		return
	}
	gen := w.gen
	w.timer = s.AfterFunc(d, func() {
		if w.gen == gen {
			fn()
		}
	})
}

func (w *watchdog) stop() {
	w.gen++
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

func transferError(sessionID string, err error) bus.ErrorEvent {
	return bus.ErrorEvent{
		Kind:      bus.KindTransfer,
		Reason:    err.Error(),
		SessionID: sessionID,
		Err:       err,
	}
}
