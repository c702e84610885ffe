// Package session owns the connection to a remote-desktop host.
//
// A Session runs one event loop goroutine. Inbound lines, commands issued by
// the caller, socket failures and timer callbacks are all executed on that
// loop, so the session flags, the frame controller and the transfer machines
// need no locking. Event handlers registered with On also run on the loop and
// may call any Session method.
package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/1ureka/deskwire/internal/bus"
	"github.com/1ureka/deskwire/internal/config"
	"github.com/1ureka/deskwire/internal/frame"
	"github.com/1ureka/deskwire/internal/protocol"
	"github.com/1ureka/deskwire/internal/transfer"
	"github.com/1ureka/deskwire/internal/util"
)

// State is a point-in-time copy of the session flags.
type State struct {
	Address           string
	Connected         bool
	Approved          bool
	Authenticated     bool
	ClientID          string
	DisplayName       string
	GeneratedPassword string
	LastPong          time.Time // last keep-alive answer
}

// Option customises a Session.
type Option func(*Session)

// WithDialer replaces the websocket dialer.
func WithDialer(dial DialFunc) Option {
	return func(s *Session) { s.dial = dial }
}

// WithFileSaver sets where completed downloads are written.
func WithFileSaver(saver transfer.FileSaver) Option {
	return func(s *Session) { s.saver = saver }
}

// WithClock replaces time.Now for frame admission.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithDecoder replaces the screen frame image decoder.
func WithDecoder(decode frame.Decoder) Option {
	return func(s *Session) { s.decode = decode }
}

// Session is the single point through which all commands and events pass.
type Session struct {
	cfg    config.Config
	bus    *bus.Bus
	dial   DialFunc
	saver  transfer.FileSaver
	decode frame.Decoder
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	lines chan inbound
	wake  chan struct{}
	qmu   sync.Mutex
	queue []func()

	// Owned by the event loop.
	gen        uint64 // bumped whenever the current connection is replaced or dropped
	link       *link
	dialCancel context.CancelFunc
	state      State
	chat       []protocol.ChatMessage
	users      []protocol.User
	files      []protocol.RemoteFile
	keepAlive  transfer.Timer
	endTimer   transfer.Timer
	frames     *frame.Controller
	uploads    *transfer.Uploads
	downloads  *transfer.Downloads

	// Published copy for accessors called from other goroutines.
	viewMu   sync.RWMutex
	view     State
	viewChat []protocol.ChatMessage
	viewUser []protocol.User
	viewFile []protocol.RemoteFile
}

// New validates cfg and starts the session's event loop. The loop stops
// when ctx is cancelled or Close is called.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	s := &Session{
		cfg:   cfg,
		bus:   bus.New(),
		dial:  DialWebSocket,
		saver: transfer.DirSaver{Dir: "downloads"},
		now:   time.Now,
		done:  make(chan struct{}),
		lines: make(chan inbound, cfg.SendQueueSize),
		wake:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.ctx, s.cancel = context.WithCancel(ctx)

	opt := transfer.OptionsFrom(cfg)
	send := transfer.SenderFunc(s.send)
	s.frames = frame.NewController(cfg.MinRenderInterval, cfg.FrameKeepEvery, s.decode)
	s.uploads = transfer.NewUploads(opt, send, s.bus, s)
	s.downloads = transfer.NewDownloads(opt, send, s.bus, s, s.saver)

	go s.run()

	return s, nil
}

// Close disconnects and stops the event loop. It blocks until the loop exits
// and must not be called from an event handler.
func (s *Session) Close() {
	s.cancel()
	<-s.done
}

// Done is closed once the event loop has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// On registers fn for ev. Handlers run on the session loop in registration order.
func (s *Session) On(ev bus.Event, fn bus.Handler) bus.Subscription {
	return s.bus.On(ev, fn)
}

// Off removes a handler registered with On.
func (s *Session) Off(sub bus.Subscription) {
	s.bus.Off(sub)
}

// State returns a copy of the current session flags.
func (s *Session) State() State {
	s.viewMu.RLock()
	defer s.viewMu.RUnlock()
	return s.view
}

// ChatLog returns the chat messages received since the last history snapshot.
func (s *Session) ChatLog() []protocol.ChatMessage {
	s.viewMu.RLock()
	defer s.viewMu.RUnlock()
	return slices.Clone(s.viewChat)
}

// Users returns the latest connected-user listing.
func (s *Session) Users() []protocol.User {
	s.viewMu.RLock()
	defer s.viewMu.RUnlock()
	return slices.Clone(s.viewUser)
}

// Files returns the latest shared-file listing.
func (s *Session) Files() []protocol.RemoteFile {
	s.viewMu.RLock()
	defer s.viewMu.RUnlock()
	return slices.Clone(s.viewFile)
}

// ---------------------------------------------------------------------------
// Event loop
// ---------------------------------------------------------------------------

func (s *Session) run() {
	defer close(s.done)

	for {
		select {
		case <-s.ctx.Done():
			s.disconnect()
			s.publish()
			return
		case in := <-s.lines:
			s.receive(in)
		case <-s.wake:
			for _, fn := range s.drain() {
				fn()
			}
		}
		s.publish()
	}
}

// post queues fn for the event loop. It never blocks, so it is safe to call
// from event handlers and timer callbacks.
func (s *Session) post(fn func()) {
	s.qmu.Lock()
	s.queue = append(s.queue, fn)
	s.qmu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) drain() []func() {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	fns := s.queue
	s.queue = nil
	return fns
}

// publish copies loop-owned state for the accessors. Slices are shared:
// the chat log is only appended to and listings are replaced wholesale.
func (s *Session) publish() {
	s.viewMu.Lock()
	s.view = s.state
	s.viewChat = s.chat
	s.viewUser = s.users
	s.viewFile = s.files
	s.viewMu.Unlock()
}

// AfterFunc runs fn on the event loop after d. It makes Session the
// transfer.Scheduler of its own state machines.
func (s *Session) AfterFunc(d time.Duration, fn func()) transfer.Timer {
	return time.AfterFunc(d, func() { s.post(fn) })
}

// send hands a line to the current connection's writer.
func (s *Session) send(line string) {
	if s.link == nil {
		util.LogDebug("not connected, dropping %s", summarize(line))
		return
	}
	if !s.link.enqueue(line) {
		util.LogWarning("send queue full, dropping %s", summarize(line))
	}
}

// summarize shortens chunk-sized lines for logging.
func summarize(line string) string {
	if len(line) > 64 {
		return fmt.Sprintf("%s... (%d bytes)", line[:64], len(line))
	}
	return line
}

// ---------------------------------------------------------------------------
// Connection lifecycle
// ---------------------------------------------------------------------------

// Connect opens a connection to the host's control port at address,
// replacing any existing connection or pending attempt. The outcome is
// reported through the Connected or Error events.
func (s *Session) Connect(address string) {
	s.post(func() { s.connect(address) })
}

// Disconnect closes the connection and resets every flag and transfer.
// Calling it while disconnected only repeats the ScreenCleared event.
func (s *Session) Disconnect() {
	s.post(s.disconnect)
}

func (s *Session) connect(address string) {
	switch {
	case s.link != nil:
		s.disconnect()
	case s.dialCancel != nil:
		// Never connected, so there is nothing to tear down or report.
		s.dialCancel()
		s.dialCancel = nil
	}

	s.gen++
	gen := s.gen
	s.state.Address = address

	url := controlURL(address, s.cfg.ControlPort)
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if s.cfg.DialTimeout > 0 {
		ctx, cancel = context.WithTimeout(s.ctx, s.cfg.DialTimeout)
	} else {
		ctx, cancel = context.WithCancel(s.ctx)
	}
	s.dialCancel = cancel

	util.LogInfo("connecting to %s", url)

	go func() {
		conn, err := s.dial(ctx, url)
		s.post(func() { s.dialed(gen, conn, err) })
	}()
}

func (s *Session) dialed(gen uint64, conn Conn, err error) {
	if gen != s.gen {
		// Superseded by a newer Connect or a Disconnect.
		if conn != nil {
			conn.Close()
		}
		return
	}

	s.dialCancel()
	s.dialCancel = nil

	if err != nil {
		util.LogError("connection failed: %v", err)
		s.emitError(bus.KindConnection, err)
		return
	}

	l := newLink(s.ctx, conn, s.cfg.SendQueueSize)
	s.link = l
	s.state.Connected = true

	onClose := func(err error) {
		s.post(func() { s.linkClosed(l, err) })
	}
	go l.writeLoop(onClose)
	go l.readLoop(s.lines, onClose)

	util.LogSuccess("connected to %s", s.state.Address)
	s.bus.Emit(bus.Connected, nil)
}

// linkClosed handles a socket that failed or was closed by the host.
func (s *Session) linkClosed(l *link, err error) {
	if l != s.link {
		return
	}

	if isNormalClose(err) {
		util.LogInfo("connection closed by host")
	} else {
		util.LogError("connection lost: %v", err)
		s.emitError(bus.KindConnection, err)
	}
	s.disconnect()
}

func (s *Session) disconnect() {
	s.bus.Emit(bus.ScreenCleared, nil)

	// A dial that never completed was never reported as Connected.
	active := s.link != nil ||
		s.state.Connected || s.state.Approved || s.state.Authenticated

	s.gen++
	if s.dialCancel != nil {
		s.dialCancel()
		s.dialCancel = nil
	}
	if s.link != nil {
		s.link.close()
		s.link = nil
	}
	stopTimer(&s.keepAlive)
	stopTimer(&s.endTimer)

	address, name := s.state.Address, s.state.DisplayName
	s.state = State{Address: address, DisplayName: name}
	s.chat, s.users, s.files = nil, nil, nil

	s.frames.Reset()
	s.uploads.Reset()
	s.downloads.Reset()

	if active {
		util.LogInfo("disconnected")
		s.bus.Emit(bus.Disconnected, nil)
	}
}

func stopTimer(t *transfer.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

// armKeepAlive sends PING every KeepAliveInterval while authenticated on the
// current connection.
func (s *Session) armKeepAlive() {
	stopTimer(&s.keepAlive)
	if s.cfg.KeepAliveInterval <= 0 {
		return
	}

	gen := s.gen
	s.keepAlive = s.AfterFunc(s.cfg.KeepAliveInterval, func() {
		if gen != s.gen || !s.state.Authenticated {
			return
		}
		s.send(protocol.CmdPing)
		s.armKeepAlive()
	})
}

func (s *Session) emitError(kind bus.ErrorKind, err error) {
	s.bus.Emit(bus.Error, bus.ErrorEvent{Kind: kind, Reason: err.Error(), Err: err})
}

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

// require reports whether the current flags allow cmd, logging otherwise.
func (s *Session) require(cmd string, authenticated bool) bool {
	switch {
	case !s.state.Connected:
		util.LogWarning("%s ignored: not connected", cmd)
		return false
	case authenticated && !s.state.Authenticated:
		util.LogWarning("%s ignored: not authenticated", cmd)
		return false
	}
	return true
}

// Authenticate sends the session password and display name. It is ignored
// until the host approved the connection; Authenticated flips only when the
// host confirms.
func (s *Session) Authenticate(password, displayName string) {
	s.post(func() {
		if !s.require("authenticate", false) {
			return
		}
		if !s.state.Approved {
			util.LogWarning("authenticate ignored: connection not approved yet")
			return
		}
		s.state.DisplayName = displayName
		s.send(protocol.EncodeAuthenticate(password, displayName))
	})
}

// RequestControl asks the host for remote input control.
func (s *Session) RequestControl() {
	s.command("request control", protocol.CmdRequestControl)
}

// ReleaseControl gives remote input control back.
func (s *Session) ReleaseControl() {
	s.command("release control", protocol.CmdReleaseControl)
}

// EndSession asks the host to end the session; the host confirms with
// SESSION_ENDED_CONFIRMATION.
func (s *Session) EndSession() {
	s.command("end session", protocol.CmdEndSession)
}

// RequestUserList asks for the connected-user listing.
func (s *Session) RequestUserList() {
	s.command("request user list", protocol.CmdRequestUserList)
}

// RequestFileList asks for the shared-file listing.
func (s *Session) RequestFileList() {
	s.command("request file list", protocol.CmdRequestFileList)
}

func (s *Session) command(name, line string) {
	s.post(func() {
		if s.require(name, true) {
			s.send(line)
		}
	})
}

// SendInputEvent forwards a mouse or keyboard event.
func (s *Session) SendInputEvent(evt protocol.InputEvent) {
	s.post(func() {
		if !s.require("input event", true) {
			return
		}
		line, err := protocol.EncodeInputEvent(evt)
		if err != nil {
			util.LogError("%v", err)
			return
		}
		s.send(line)
	})
}

// SendChatMessage sends text to the session chat. Blank text is dropped.
func (s *Session) SendChatMessage(text string) {
	s.post(func() {
		text := strings.TrimSpace(text)
		if text == "" {
			util.LogDebug("empty chat message dropped")
			return
		}
		if s.require("chat message", true) {
			s.send(protocol.EncodeChat(text))
		}
	})
}

// UploadFile starts uploading data under name. Validation failures and
// progress are reported through events.
func (s *Session) UploadFile(name string, data []byte) {
	s.post(func() { s.upload(name, data) })
}

// UploadPath reads a local file and uploads it under its base name. The
// file is read off the event loop.
func (s *Session) UploadPath(path string) {
	go func() {
		data, err := os.ReadFile(path)
		if err != nil {
			err = fmt.Errorf("%w: %w", transfer.ErrUnreadableFile, err)
			s.post(func() {
				util.LogError("upload of %s: %v", path, err)
				s.bus.Emit(bus.Error, bus.ErrorEvent{Kind: bus.KindTransfer, Reason: err.Error(), Err: err})
			})
			return
		}
		s.UploadFile(filepath.Base(path), data)
	}()
}

func (s *Session) upload(name string, data []byte) {
	if !s.require("upload", true) {
		return
	}
	// Start reports its own validation errors.
	_, _ = s.uploads.Start(name, data)
}

// DownloadFile asks the host to send the shared file called name.
func (s *Session) DownloadFile(name string) {
	s.post(func() {
		if s.require("download", true) {
			s.downloads.Request(name)
		}
	})
}
