package transfer

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/1ureka/deskwire/internal/bus"
	"github.com/1ureka/deskwire/internal/protocol"
	"github.com/1ureka/deskwire/internal/util"
)

// Upload is one file being pushed to the host.
type Upload struct {
	localID   string // temporary id until the host assigns a session id
	sessionID string
	fileName  string
	data      []byte

	totalChunks int
	uploaded    int
	retries     int
	state       State
	dog         watchdog
}

// ID returns the session id once assigned, otherwise the temporary id.
func (u *Upload) ID() string {
	if u.sessionID != "" {
		return u.sessionID
	}
	return u.localID
}

func (u *Upload) progress() Progress {
	return progressOf(u.ID(), u.fileName, u.uploaded, u.totalChunks, u.state)
}

// Uploads drives every upload of one connection.
//
// The host does not echo which FILE_UPLOAD_START an UPLOAD_SESSION answers,
// so session ids are paired with pending uploads in submission order.
type Uploads struct {
	opts  Options
	send  Sender
	emit  Emitter
	sched Scheduler

	pending []*Upload
	active  map[string]*Upload

	// Registrations that timed out locally; the next late UPLOAD_SESSION
	// belongs to one of them and must not be paired with a younger upload.
	orphans int

	// Pending file-list refresh; completions inside the delay share it.
	refresh watchdog
}

// NewUploads creates an upload machine.
func NewUploads(opts Options, send Sender, emit Emitter, sched Scheduler) *Uploads {
	return &Uploads{
		opts:   opts,
		send:   send,
		emit:   emit,
		sched:  sched,
		active: make(map[string]*Upload),
	}
}

// Start validates a selected file, queues it for registration and sends
// FILE_UPLOAD_START. It returns the temporary id. A rejected file emits a
// transfer error and leaves the machine untouched.
func (m *Uploads) Start(name string, data []byte) (string, error) {
	size := int64(len(data))

	var err error
	switch {
	case size == 0:
		err = ErrEmptyFile
	case size > m.opts.MaxUploadSize:
		err = fmt.Errorf("%w (%d > %d bytes)", ErrFileTooLarge, size, m.opts.MaxUploadSize)
	}
	if err != nil {
		util.LogWarning("upload %q rejected: %v", name, err)
		m.emit.Emit(bus.Error, bus.ErrorEvent{Kind: bus.KindTransfer, Reason: err.Error(), Err: err})
		return "", err
	}

	up := &Upload{
		localID:     "temp_" + uuid.NewString(),
		fileName:    name,
		data:        data,
		totalChunks: TotalChunks(size, m.opts.ChunkSize),
		state:       PendingRegistration,
	}
	m.pending = append(m.pending, up)

	up.dog.arm(m.sched, m.opts.RegistrationTimeout, func() { m.registrationTimeout(up) })

	util.LogInfo("uploading %s (%d bytes, %d chunks)", name, size, up.totalChunks)
	m.send.Send(protocol.EncodeUploadStart(name, size, protocol.ClassifyFile(name)))

	return up.localID, nil
}

// OnSession pairs a host-assigned session id with the oldest pending upload
// and sends its first chunk.
func (m *Uploads) OnSession(sessionID string) {
	if m.orphans > 0 {
		m.orphans--
		util.LogWarning("late upload session %s for a timed-out upload, ignoring", sessionID)
		return
	}
	if len(m.pending) == 0 {
		util.LogWarning("upload session %s without a pending upload, ignoring", sessionID)
		return
	}
	if _, dup := m.active[sessionID]; dup {
		util.LogWarning("upload session %s already in use, ignoring", sessionID)
		return
	}

	up := m.pending[0]
	m.pending = m.pending[1:]
	up.dog.stop()

	up.sessionID = sessionID
	up.state = Transferring
	m.active[sessionID] = up

	util.LogDebug("[%s] upload session assigned to %s (was %s)", sessionID, up.fileName, up.localID)
	m.emit.Emit(bus.UploadProgress, up.progress())
	m.sendChunk(up)
}

// OnRegistrationError aborts the oldest pending upload after UPLOAD_ERROR.
// A late error for a timed-out upload only consumes its tombstone.
func (m *Uploads) OnRegistrationError(reason string) {
	if m.orphans > 0 {
		m.orphans--
		util.LogWarning("late upload error for a timed-out upload, ignoring: %s", reason)
		return
	}
	if len(m.pending) == 0 {
		util.LogWarning("upload error without a pending upload: %s", reason)
		return
	}
	up := m.pending[0]
	m.pending = m.pending[1:]
	m.abort(up, fmt.Errorf("%w: %s", ErrRegistrationRejected, reason))
}

// OnAck advances the matching transfer by one chunk.
func (m *Uploads) OnAck(ack protocol.ChunkAck) {
	up, ok := m.active[ack.SessionID]
	if !ok {
		util.LogDebug("[%s] ack for unknown upload, ignoring", ack.SessionID)
		return
	}
	if ack.Index != up.uploaded {
		util.LogDebug("[%s] ack for chunk %d while %d is in flight, ignoring", ack.SessionID, ack.Index, up.uploaded)
		return
	}
	if !ack.Success {
		m.abort(up, fmt.Errorf("%w (chunk %d)", ErrChunkRejected, ack.Index))
		return
	}

	up.dog.stop()
	up.uploaded++
	up.retries = 0

	if up.uploaded < up.totalChunks {
		m.emit.Emit(bus.UploadProgress, up.progress())
		m.sendChunk(up)
		return
	}

	up.state = Completed
	delete(m.active, up.sessionID)
	up.data = nil

	util.LogSuccess("[%s] upload of %s complete", up.sessionID, up.fileName)
	m.emit.Emit(bus.UploadProgress, up.progress())

	// Give the host time to register the file before listing again.
	m.refresh.arm(m.sched, max(m.opts.RefreshDelay, 1), func() {
		m.send.Send(protocol.CmdRequestFileList)
	})
}

// sendChunk sends the chunk at index uploaded and arms its timeout.
func (m *Uploads) sendChunk(up *Upload) {
	index := up.uploaded
	start := index * m.opts.ChunkSize
	end := min(start+m.opts.ChunkSize, len(up.data))

	m.send.Send(protocol.EncodeFileChunk(up.sessionID, index, up.data[start:end]))
	up.dog.arm(m.sched, m.opts.ChunkTimeout, func() { m.chunkTimeout(up) })
}

func (m *Uploads) chunkTimeout(up *Upload) {
	if m.active[up.sessionID] != up {
		return
	}
	if up.retries >= m.opts.MaxChunkRetries {
		m.abort(up, fmt.Errorf("%w waiting for ack of chunk %d", ErrTimeout, up.uploaded))
		return
	}
	up.retries++
	util.LogWarning("[%s] no ack for chunk %d, resending (%d/%d)", up.sessionID, up.uploaded, up.retries, m.opts.MaxChunkRetries)
	m.sendChunk(up)
}

func (m *Uploads) registrationTimeout(up *Upload) {
	for i, p := range m.pending {
		if p == up {
			m.pending = append(m.pending[:i:i], m.pending[i+1:]...)
			m.orphans++
			m.abort(up, fmt.Errorf("%w waiting for upload session", ErrTimeout))
			return
		}
	}
}

func (m *Uploads) abort(up *Upload, err error) {
	up.dog.stop()
	up.state = Aborted
	up.data = nil
	if up.sessionID != "" {
		delete(m.active, up.sessionID)
	}

	util.LogError("[%s] upload of %s aborted: %v", up.ID(), up.fileName, err)
	m.emit.Emit(bus.Error, transferError(up.ID(), err))
	m.emit.Emit(bus.UploadProgress, up.progress())
}

// Reset aborts every transfer without notifying the host. Used on disconnect.
func (m *Uploads) Reset() {
	all := append([]*Upload{}, m.pending...)
	for _, up := range m.active {
		all = append(all, up)
	}

	m.pending = nil
	m.active = make(map[string]*Upload)
	m.orphans = 0
	m.refresh.stop()

	for _, up := range all {
		up.dog.stop()
		up.state = Aborted
		up.data = nil
		m.emit.Emit(bus.UploadProgress, up.progress())
	}
}

// Snapshot returns the progress of every pending and active upload.
func (m *Uploads) Snapshot() []Progress {
	out := make([]Progress, 0, len(m.pending)+len(m.active))
	for _, up := range m.pending {
		out = append(out, up.progress())
	}
	for _, up := range m.active {
		out = append(out, up.progress())
	}
	return out
}
