package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/gorilla/websocket"

	"github.com/1ureka/deskwire/internal/util"
)

// Conn is the message-oriented socket a session runs over. *websocket.Conn
// satisfies it. ReadMessage is only called by the reader goroutine and
// WriteMessage only by the writer goroutine; Close may be called at any time.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// DialFunc opens a Conn to url.
type DialFunc func(ctx context.Context, url string) (Conn, error)

// DialWebSocket is the default DialFunc.
func DialWebSocket(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	return conn, nil
}

// controlURL builds the websocket URL of the host's control port.
func controlURL(address string, port int) string {
	return "ws://" + net.JoinHostPort(address, strconv.Itoa(port))
}

// inbound is one line read from a specific link.
type inbound struct {
	link *link
	line string
}

// link is one live connection. Its goroutines exit when ctx is cancelled or
// the socket fails; neither touches session state directly.
type link struct {
	conn   Conn
	out    chan string
	ctx    context.Context
	cancel context.CancelFunc
}

func newLink(parent context.Context, conn Conn, queueSize int) *link {
	ctx, cancel := context.WithCancel(parent)
	return &link{
		conn:   conn,
		out:    make(chan string, queueSize),
		ctx:    ctx,
		cancel: cancel,
	}
}

// close stops both goroutines and the socket. Safe to call more than once.
func (l *link) close() {
	l.cancel()
	l.conn.Close()
}

// enqueue hands line to the writer without blocking the caller.
func (l *link) enqueue(line string) bool {
	select {
	case l.out <- line:
		return true
	default:
		return false
	}
}

// readLoop forwards every text message to lines and reports the first read
// error through onClose.
func (l *link) readLoop(lines chan<- inbound, onClose func(error)) {
	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			if l.ctx.Err() == nil {
				onClose(err)
			}
			return
		}

		util.Stats.AddRecv(len(data))

		select {
		case lines <- inbound{link: l, line: string(data)}:
		case <-l.ctx.Done():
			return
		}
	}
}

// writeLoop is the single writer of the socket.
func (l *link) writeLoop(onClose func(error)) {
	for {
		select {
		case line := <-l.out:
			if err := l.conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
				if l.ctx.Err() == nil {
					onClose(fmt.Errorf("send failed: %w", err))
				}
				return
			}
			util.Stats.AddSent(len(line))
		case <-l.ctx.Done():
			return
		}
	}
}

// isNormalClose reports whether err is the peer closing the socket cleanly.
func isNormalClose(err error) bool {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return true
	}
	return errors.Is(err, net.ErrClosed)
}
