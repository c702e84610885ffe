package transfer

import (
	"bytes"
	"encoding/base64"
	"fmt"

	"github.com/1ureka/deskwire/internal/bus"
	"github.com/1ureka/deskwire/internal/protocol"
	"github.com/1ureka/deskwire/internal/util"
)

// Delivery is the payload of DownloadComplete.
type Delivery struct {
	SessionID string
	FileName  string
	Size      int
	Location  string // where the FileSaver stored it
}

// Download is one file being pulled from the host.
type Download struct {
	sessionID string
	fileName  string
	chunks    [][]byte // slot i holds chunk i once received
	received  int
	inFlight  int // index of the outstanding REQUEST_CHUNK
	retries   int
	state     State
	dog       watchdog
}

func (d *Download) progress() Progress {
	return progressOf(d.sessionID, d.fileName, d.received, len(d.chunks), d.state)
}

// nextMissing returns the lowest index without data, or -1 when complete.
func (d *Download) nextMissing() int {
	for i, c := range d.chunks {
		if c == nil {
			return i
		}
	}
	return -1
}

// assemble concatenates every chunk in index order.
func (d *Download) assemble() []byte {
	return bytes.Join(d.chunks, nil)
}

// Downloads drives every download of one connection.
type Downloads struct {
	opts  Options
	send  Sender
	emit  Emitter
	sched Scheduler
	saver FileSaver

	requested []string
	active    map[string]*Download
}

// NewDownloads creates a download machine that hands finished files to saver.
func NewDownloads(opts Options, send Sender, emit Emitter, sched Scheduler, saver FileSaver) *Downloads {
	return &Downloads{
		opts:   opts,
		send:   send,
		emit:   emit,
		sched:  sched,
		saver:  saver,
		active: make(map[string]*Download),
	}
}

// Request asks the host to start sending name.
func (m *Downloads) Request(name string) {
	m.requested = append(m.requested, name)
	util.LogInfo("requesting download of %s", name)
	m.send.Send(protocol.EncodeDownloadFile(name))
}

// OnStart allocates the chunk buffer for a new download session and requests
// chunk 0.
func (m *Downloads) OnStart(msg protocol.DownloadStart) {
	if _, dup := m.active[msg.SessionID]; dup {
		util.LogWarning("[%s] duplicate download start, ignoring", msg.SessionID)
		return
	}
	if !m.consumeRequest(msg.FileName) {
		util.LogDebug("[%s] download of %s was not requested here, accepting", msg.SessionID, msg.FileName)
	}

	d := &Download{
		sessionID: msg.SessionID,
		fileName:  msg.FileName,
		chunks:    make([][]byte, msg.TotalChunks),
		state:     Transferring,
	}

	if msg.TotalChunks == 0 {
		m.deliver(d)
		return
	}

	m.active[d.sessionID] = d
	m.emit.Emit(bus.DownloadProgress, d.progress())
	m.requestChunk(d, 0)
}

// OnChunk stores one delivered chunk and requests the next missing one.
func (m *Downloads) OnChunk(msg protocol.FileChunk) {
	d, ok := m.active[msg.SessionID]
	if !ok {
		util.LogDebug("[%s] chunk for unknown download, ignoring", msg.SessionID)
		return
	}
	if msg.Index >= len(d.chunks) {
		util.LogWarning("[%s] chunk index %d out of range (%d chunks), ignoring", msg.SessionID, msg.Index, len(d.chunks))
		return
	}
	if d.chunks[msg.Index] != nil {
		util.LogDebug("[%s] duplicate chunk %d, ignoring", msg.SessionID, msg.Index)
		return
	}

	// A bad payload is dropped; the chunk timeout re-requests it.
	data, err := base64.StdEncoding.DecodeString(msg.Data)
	if err != nil {
		util.LogWarning("[%s] chunk %d: invalid base64: %v", msg.SessionID, msg.Index, err)
		return
	}

	d.chunks[msg.Index] = data
	d.received++
	if msg.Index == d.inFlight {
		d.dog.stop()
		d.retries = 0
	}

	next := d.nextMissing()
	if next < 0 {
		d.dog.stop()
		delete(m.active, d.sessionID)
		m.deliver(d)
		return
	}

	m.emit.Emit(bus.DownloadProgress, d.progress())

	// An unrequested chunk leaves the outstanding request and its timer alone.
	if next == d.inFlight {
		return
	}
	m.requestChunk(d, next)
}

func (m *Downloads) requestChunk(d *Download, index int) {
	d.inFlight = index
	m.send.Send(protocol.EncodeRequestChunk(d.sessionID, index))
	d.dog.arm(m.sched, m.opts.ChunkTimeout, func() { m.chunkTimeout(d, index) })
}

func (m *Downloads) chunkTimeout(d *Download, index int) {
	if m.active[d.sessionID] != d {
		return
	}
	if d.retries >= m.opts.MaxChunkRetries {
		m.abort(d, fmt.Errorf("%w waiting for chunk %d", ErrTimeout, index))
		return
	}
	d.retries++
	util.LogWarning("[%s] chunk %d not received, requesting again (%d/%d)", d.sessionID, index, d.retries, m.opts.MaxChunkRetries)
	m.requestChunk(d, index)
}

// deliver assembles the file and hands it to the saver.
func (m *Downloads) deliver(d *Download) {
	d.state = Assembling
	data := d.assemble()
	d.chunks = nil

	location, err := m.saver.Save(d.fileName, data)
	if err != nil {
		m.abort(d, fmt.Errorf("save %s: %w", d.fileName, err))
		return
	}

	d.state = Delivered
	util.LogSuccess("[%s] download of %s complete (%d bytes)", d.sessionID, d.fileName, len(data))
	m.emit.Emit(bus.DownloadProgress, Progress{
		SessionID: d.sessionID, FileName: d.fileName,
		Done: d.received, Total: d.received, Percent: 100, State: Delivered,
	})
	m.emit.Emit(bus.DownloadComplete, Delivery{
		SessionID: d.sessionID,
		FileName:  d.fileName,
		Size:      len(data),
		Location:  location,
	})
}

func (m *Downloads) abort(d *Download, err error) {
	d.dog.stop()
	d.state = Aborted
	d.chunks = nil
	delete(m.active, d.sessionID)

	util.LogError("[%s] download of %s aborted: %v", d.sessionID, d.fileName, err)
	m.emit.Emit(bus.Error, transferError(d.sessionID, err))
	m.emit.Emit(bus.DownloadProgress, Progress{
		SessionID: d.sessionID, FileName: d.fileName, Done: d.received, State: Aborted,
	})
}

func (m *Downloads) consumeRequest(name string) bool {
	for i, n := range m.requested {
		if n == name {
			m.requested = append(m.requested[:i:i], m.requested[i+1:]...)
			return true
		}
	}
	return false
}

// Reset aborts every download without notifying the host. Used on disconnect.
func (m *Downloads) Reset() {
	active := m.active
	m.active = make(map[string]*Download)
	m.requested = nil

	for _, d := range active {
		d.dog.stop()
		d.state = Aborted
		p := d.progress()
		d.chunks = nil
		m.emit.Emit(bus.DownloadProgress, p)
	}
}

// Snapshot returns the progress of every active download.
func (m *Downloads) Snapshot() []Progress {
	out := make([]Progress, 0, len(m.active))
	for _, d := range m.active {
		out = append(out, d.progress())
	}
	return out
}
