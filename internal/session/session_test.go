package session

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/deskwire/internal/bus"
	"github.com/1ureka/deskwire/internal/config"
	"github.com/1ureka/deskwire/internal/frame"
	"github.com/1ureka/deskwire/internal/protocol"
	"github.com/1ureka/deskwire/internal/transfer"
)

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.ChunkSize = 0
	_, err := New(context.Background(), cfg)
	assert.Error(t, err)
}

func TestControlURL(t *testing.T) {
	assert.Equal(t, "ws://10.0.0.5:8081", controlURL("10.0.0.5", 8081))
	assert.Equal(t, "ws://[::1]:9000", controlURL("::1", 9000))
}

func TestConnectEmitsClientID(t *testing.T) {
	h := newHarness(t, testConfig())

	c := h.connect(t)
	assert.Equal(t, []string{"ws://10.0.0.5:8081"}, h.dialer.dialed())

	c.push("CLIENT_ID:abc123")
	assert.Equal(t, "abc123", h.w.wait(t, bus.ClientID))

	flush(t, h.s)
	st := h.s.State()
	assert.True(t, st.Connected)
	assert.Equal(t, "abc123", st.ClientID)
	assert.Equal(t, "10.0.0.5", st.Address)
}

func TestApprovalThenPassword(t *testing.T) {
	h := newHarness(t, testConfig())
	c := h.connect(t)

	c.push("CONNECTION_ACCEPTED", "GENERATED_PASSWORD:X7K9")
	assert.Equal(t, "X7K9", h.w.wait(t, bus.PasswordGenerated))
	assert.Equal(t, []bus.Event{bus.ConnectionApproved, bus.PasswordGenerated},
		h.w.order(bus.ConnectionApproved, bus.PasswordGenerated))

	flush(t, h.s)
	st := h.s.State()
	assert.True(t, st.Approved)
	assert.False(t, st.Authenticated)
	assert.Equal(t, "X7K9", st.GeneratedPassword)
}

func TestMalformedUserListIgnored(t *testing.T) {
	h := newHarness(t, testConfig())
	c := h.login(t)

	c.push("USER_LIST:{not valid json", "HELLO:world", `USER_LIST:[{"id":"c1","displayName":"Ana","hasControl":false}]`)

	users := h.w.wait(t, bus.UserList).([]protocol.User)
	require.Len(t, users, 1)
	assert.Equal(t, "c1", users[0].ID)
	assert.Equal(t, 1, h.w.count(bus.UserList))
	assert.Zero(t, h.w.count(bus.Error))

	flush(t, h.s)
	assert.True(t, h.s.State().Connected)
	assert.Equal(t, users, h.s.Users())
}

func TestCommandsAreGated(t *testing.T) {
	h := newHarness(t, testConfig())
	c := h.connect(t)

	// None of these may reach the socket yet.
	h.s.RequestControl()
	h.s.ReleaseControl()
	h.s.SendChatMessage("hi")
	h.s.SendInputEvent(protocol.InputEvent{Type: protocol.InputMouseMove})
	h.s.EndSession()
	h.s.RequestFileList()
	h.s.DownloadFile("a.txt")
	h.s.UploadFile("a.txt", []byte("abc"))
	h.s.Authenticate("pw", "Ana") // not approved yet
	flush(t, h.s)

	c.push("CONNECTION_ACCEPTED")
	h.w.wait(t, bus.ConnectionApproved)
	h.s.Authenticate("pw", "Ana")
	c.expect(t, "AUTHENTICATE:pw:Ana")

	// Authentication is only confirmed by the host.
	h.s.RequestControl()
	flush(t, h.s)
	c.push("AUTHENTICATION_SUCCESS")
	h.w.wait(t, bus.AuthenticationSuccess)

	h.s.SendChatMessage("   ")
	h.s.SendChatMessage("  hello  ")
	c.expect(t, "CHAT_MESSAGE:hello")

	h.s.RequestControl()
	c.expect(t, protocol.CmdRequestControl)
	h.s.ReleaseControl()
	c.expect(t, protocol.CmdReleaseControl)
	h.s.RequestUserList()
	c.expect(t, protocol.CmdRequestUserList)

	h.s.SendInputEvent(protocol.InputEvent{Type: protocol.InputKeyPress, KeyCode: 65, Key: "a"})
	line := c.next(t)
	assert.True(t, strings.HasPrefix(line, "INPUT_EVENT:{"))
	assert.Contains(t, line, `"keyCode":65`)

	h.s.EndSession()
	c.expect(t, protocol.CmdEndSession)
}

func TestDisconnectIsIdempotent(t *testing.T) {
	h := newHarness(t, testConfig())
	c := h.login(t)

	h.s.Disconnect()
	h.s.Disconnect()
	flush(t, h.s)

	assert.Equal(t, 1, h.w.count(bus.Disconnected))
	assert.Equal(t, 2, h.w.count(bus.ScreenCleared))
	assert.Equal(t, []bus.Event{bus.ScreenCleared, bus.Disconnected, bus.ScreenCleared},
		h.w.order(bus.ScreenCleared, bus.Disconnected))

	assert.Equal(t, State{Address: "10.0.0.5", DisplayName: "Ana"}, h.s.State())
	assert.True(t, c.isClosed())

	// Commands after disconnect are dropped without a panic.
	h.s.RequestControl()
	h.s.SendChatMessage("hello")
	flush(t, h.s)
}

func TestDisconnectAbortsTransfers(t *testing.T) {
	h := newHarness(t, testConfig())
	c := h.login(t)

	h.s.UploadFile("a.txt", []byte("hello"))
	c.expect(t, "FILE_UPLOAD_START:a.txt:5:text")

	h.s.Disconnect()
	p := h.w.wait(t, bus.UploadProgress).(transfer.Progress)
	assert.Equal(t, transfer.Aborted, p.State)
	assert.Equal(t, []bus.Event{bus.ScreenCleared, bus.UploadProgress, bus.Disconnected},
		h.w.order(bus.ScreenCleared, bus.UploadProgress, bus.Disconnected))
}

func TestHostHangupReportsError(t *testing.T) {
	h := newHarness(t, testConfig())
	c := h.login(t)

	c.hangup <- websocket.CloseAbnormalClosure

	evt := h.w.wait(t, bus.Error).(bus.ErrorEvent)
	assert.Equal(t, bus.KindConnection, evt.Kind)
	h.w.wait(t, bus.Disconnected)

	flush(t, h.s)
	assert.False(t, h.s.State().Connected)
	assert.False(t, h.s.State().Authenticated)
}

func TestHostNormalClose(t *testing.T) {
	h := newHarness(t, testConfig())
	c := h.connect(t)

	c.hangup <- websocket.CloseNormalClosure
	h.w.wait(t, bus.Disconnected)
	assert.Zero(t, h.w.count(bus.Error))
}

func TestDialFailure(t *testing.T) {
	h := newHarness(t, testConfig())
	h.dialer.err = errors.New("connection refused")

	h.s.Connect("10.0.0.9")
	evt := h.w.wait(t, bus.Error).(bus.ErrorEvent)
	assert.Equal(t, bus.KindConnection, evt.Kind)
	assert.Contains(t, evt.Reason, "connection refused")

	flush(t, h.s)
	assert.False(t, h.s.State().Connected)
	assert.Zero(t, h.w.count(bus.Connected))
}

func TestConnectReplacesConnection(t *testing.T) {
	h := newHarness(t, testConfig())
	first := h.connect(t)

	h.s.Connect("10.0.0.6")
	h.w.wait(t, bus.Disconnected)
	h.w.wait(t, bus.Connected)
	second := h.dialer.last()

	assert.True(t, first.isClosed())
	assert.Equal(t, []string{"ws://10.0.0.5:8081", "ws://10.0.0.6:8081"}, h.dialer.dialed())

	second.push("CLIENT_ID:new")
	assert.Equal(t, "new", h.w.wait(t, bus.ClientID))
	flush(t, h.s)
	assert.Equal(t, "10.0.0.6", h.s.State().Address)
}

func TestConnectDuringPendingDial(t *testing.T) {
	pending := make(chan struct{})
	abandoned := make(chan error, 1)
	host := newMockConn()

	var calls atomic.Int32
	dial := func(ctx context.Context, url string) (Conn, error) {
		if calls.Add(1) == 1 {
			close(pending)
			<-ctx.Done()
			abandoned <- ctx.Err()
			return nil, ctx.Err()
		}
		return host, nil
	}

	h := newHarness(t, testConfig(), WithDialer(dial))
	h.s.Connect("10.0.0.5")
	<-pending

	h.s.Connect("10.0.0.6")
	h.w.wait(t, bus.Connected)

	select {
	case err := <-abandoned:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(waitTimeout):
		t.Fatal("first dial was not cancelled")
	}
	flush(t, h.s)

	assert.Zero(t, h.w.count(bus.Disconnected))
	assert.Zero(t, h.w.count(bus.Error))
	assert.Equal(t, 1, h.w.count(bus.Connected))
	assert.Equal(t, "10.0.0.6", h.s.State().Address)
}

func TestAuthenticationFailureKeepsSocket(t *testing.T) {
	h := newHarness(t, testConfig())
	c := h.connect(t)
	c.push("CONNECTION_ACCEPTED")
	h.w.wait(t, bus.ConnectionApproved)

	h.s.Authenticate("wrong", "Ana")
	c.expect(t, "AUTHENTICATE:wrong:Ana")
	c.push("AUTHENTICATION_FAILED")
	h.w.wait(t, bus.AuthenticationFailed)

	// A second attempt goes out on the same socket.
	h.s.Authenticate("pw", "Ana")
	c.expect(t, "AUTHENTICATE:pw:Ana")
	assert.False(t, c.isClosed())
	assert.Zero(t, h.w.count(bus.Disconnected))
}

func TestControlAndQueueEvents(t *testing.T) {
	h := newHarness(t, testConfig())
	c := h.login(t)

	c.push("CONTROL_RESPONSE:false", "QUEUE_POSITION:2", "CONTROL_RESPONSE:true", "CONTROL_RELEASED",
		"SESSION_CLOSED_BY_SERVER:host left", "NOT_AUTHENTICATED")

	assert.Equal(t, 2, h.w.wait(t, bus.QueueUpdate))
	assert.Equal(t, "host left", h.w.wait(t, bus.SessionClosedByServer))
	evt := h.w.wait(t, bus.Error).(bus.ErrorEvent)
	assert.Equal(t, bus.KindAuthentication, evt.Kind)

	assert.Equal(t,
		[]bus.Event{bus.ControlDenied, bus.QueueUpdate, bus.ControlGranted, bus.ControlReleased},
		h.w.order(bus.ControlDenied, bus.QueueUpdate, bus.ControlGranted, bus.ControlReleased))
}

func TestSessionEndConfirmationDisconnects(t *testing.T) {
	h := newHarness(t, testConfig())
	c := h.login(t)

	c.push("SESSION_ENDED_CONFIRMATION")
	h.w.wait(t, bus.SessionEndConfirmation)
	h.w.wait(t, bus.Disconnected)
	assert.True(t, c.isClosed())
}

func TestScreenFramesRequireAuthentication(t *testing.T) {
	h := newHarness(t, testConfig())
	c := h.connect(t)

	c.push("SCREEN_DATA:1:eA==")
	c.push("CONNECTION_ACCEPTED")
	h.w.wait(t, bus.ConnectionApproved)
	h.s.Authenticate("pw", "Ana")
	c.expect(t, "AUTHENTICATE:pw:Ana")
	c.push("AUTHENTICATION_SUCCESS")
	h.w.wait(t, bus.AuthenticationSuccess)

	// 5 is admitted, 3 is stale, "bad" fails to decode, 6 is admitted.
	c.push("SCREEN_DATA:5:eA==", "SCREEN_DATA:3:eA==", "SCREEN_DATA:7:YmFk", "SCREEN_DATA:6:eA==")

	f := h.w.wait(t, bus.ScreenData).(*frame.Frame)
	assert.Equal(t, int64(5), f.ID)
	f = h.w.wait(t, bus.ScreenData).(*frame.Frame)
	assert.Equal(t, int64(6), f.ID)
	assert.Equal(t, 2, h.w.count(bus.ScreenData))
}

func TestChatLogAndFileList(t *testing.T) {
	h := newHarness(t, testConfig())
	c := h.login(t)

	c.push(
		`CHAT_HISTORY:[{"id":"1","senderName":"System","message":"welcome","type":"system","timestamp":"09:00"}]`,
		`CHAT_MESSAGE:{"id":"2","senderName":"Bo","message":"hi: there","type":"user","timestamp":"09:01"}`,
	)
	msg := h.w.wait(t, bus.ChatMessage).(protocol.ChatMessage)
	assert.Equal(t, "hi: there", msg.Body)

	c.push("FILE_LIST:nope", `FILE_LIST:[{"name":"a.png","size":10,"type":"image","lastModified":5}]`)
	evt := h.w.wait(t, bus.Error).(bus.ErrorEvent)
	assert.Equal(t, bus.KindTransfer, evt.Kind)
	files := h.w.wait(t, bus.FileList).([]protocol.RemoteFile)
	require.Len(t, files, 1)

	flush(t, h.s)
	log := h.s.ChatLog()
	require.Len(t, log, 2)
	assert.Equal(t, "welcome", log[0].Body)
	assert.Equal(t, "Bo", log[1].SenderName)
	assert.Equal(t, files, h.s.Files())

	// A new history replaces the log wholesale.
	c.push(`CHAT_HISTORY:[]`)
	h.w.wait(t, bus.ChatHistory)
	flush(t, h.s)
	assert.Empty(t, h.s.ChatLog())
}

func TestUploadThroughSession(t *testing.T) {
	h := newHarness(t, testConfig())
	c := h.login(t)

	h.s.UploadFile("a.txt", []byte("hello"))
	c.expect(t, "FILE_UPLOAD_START:a.txt:5:text")

	c.push("UPLOAD_SESSION:s1")
	c.expect(t, "FILE_CHUNK:s1:0:aGVsbG8=")

	c.push("CHUNK_ACK:s1:0:true")
	for {
		p := h.w.wait(t, bus.UploadProgress).(transfer.Progress)
		if p.State == transfer.Completed {
			assert.Equal(t, "s1", p.SessionID)
			break
		}
	}
	c.expect(t, protocol.CmdRequestFileList)
}

func TestUploadPathReadsFile(t *testing.T) {
	h := newHarness(t, testConfig())
	c := h.login(t)

	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, writeFile(path, "hello"))

	h.s.UploadPath(path)
	c.expect(t, "FILE_UPLOAD_START:notes.txt:5:text")

	h.s.UploadPath(path + ".missing")
	evt := h.w.wait(t, bus.Error).(bus.ErrorEvent)
	assert.Equal(t, bus.KindTransfer, evt.Kind)
	assert.ErrorIs(t, evt.Err, transfer.ErrUnreadableFile)
	assert.True(t, transfer.Rejected(evt.Err))
}

func TestDownloadThroughSession(t *testing.T) {
	saved := make(chan []byte, 1)
	saver := transfer.SaverFunc(func(name string, data []byte) (string, error) {
		saved <- data
		return "/tmp/" + name, nil
	})
	h := newHarness(t, testConfig(), WithFileSaver(saver))
	c := h.login(t)

	h.s.DownloadFile("b.txt")
	c.expect(t, "DOWNLOAD_FILE:b.txt")

	c.push(`DOWNLOAD_START:{"sessionId":"d1","fileName":"b.txt","fileSize":11,"totalChunks":2}`)
	c.expect(t, "REQUEST_CHUNK:d1:0")
	c.push("FILE_CHUNK:d1:0:aGVsbG8g") // "hello "
	c.expect(t, "REQUEST_CHUNK:d1:1")
	c.push("FILE_CHUNK:d1:1:d29ybGQ=") // "world"

	d := h.w.wait(t, bus.DownloadComplete).(transfer.Delivery)
	assert.Equal(t, "b.txt", d.FileName)
	assert.Equal(t, "/tmp/b.txt", d.Location)
	assert.Equal(t, []byte("hello world"), <-saved)
}

func TestKeepAlive(t *testing.T) {
	cfg := testConfig()
	cfg.KeepAliveInterval = 10 * time.Millisecond
	h := newHarness(t, cfg)
	c := h.login(t)

	c.expect(t, protocol.CmdPing)
	c.push("PONG")

	assert.Eventually(t, func() bool {
		return !h.s.State().LastPong.IsZero()
	}, waitTimeout, 5*time.Millisecond)
}

func TestHandlerCanIssueCommands(t *testing.T) {
	h := newHarness(t, testConfig())
	h.s.On(bus.AuthenticationSuccess, func(any) {
		h.s.RequestUserList()
	})

	c := h.login(t)
	c.expect(t, protocol.CmdRequestUserList)
}

// TestWebSocketHost runs the session against a real websocket server.
func TestWebSocketHost(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	received := make(chan string, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		conn.WriteMessage(websocket.TextMessage, []byte("CLIENT_ID:abc123"))
		conn.WriteMessage(websocket.TextMessage, []byte("CONNECTION_ACCEPTED"))

		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		received <- string(data)
		conn.WriteMessage(websocket.TextMessage, []byte("AUTHENTICATION_SUCCESS"))

		// Hold the socket until the client goes away.
		conn.ReadMessage()
	}))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, port, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)

	cfg := testConfig()
	cfg.ControlPort, err = strconv.Atoi(port)
	require.NoError(t, err)

	s, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	w := watch(s)

	s.Connect(host)
	w.wait(t, bus.Connected)
	assert.Equal(t, "abc123", w.wait(t, bus.ClientID))
	w.wait(t, bus.ConnectionApproved)

	s.Authenticate("pw", "Ana")
	w.wait(t, bus.AuthenticationSuccess)

	select {
	case line := <-received:
		assert.Equal(t, "AUTHENTICATE:pw:Ana", line)
	case <-time.After(waitTimeout):
		t.Fatal("host never received AUTHENTICATE")
	}
}
