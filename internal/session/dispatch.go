package session

import (
	"errors"
	"slices"

	"github.com/1ureka/deskwire/internal/bus"
	"github.com/1ureka/deskwire/internal/frame"
	"github.com/1ureka/deskwire/internal/protocol"
	"github.com/1ureka/deskwire/internal/util"
)

// receive parses one inbound line and routes it. Lines from a link that has
// since been replaced are discarded.
func (s *Session) receive(in inbound) {
	if in.link != s.link {
		return
	}

	msg, err := protocol.Decode(in.line)
	if err != nil {
		s.rejected(in.line, err)
		return
	}
	s.dispatch(msg)
}

// rejected logs a line that failed to parse. Only an unreadable file listing
// is surfaced, as a transfer error; everything else is dropped silently.
func (s *Session) rejected(line string, err error) {
	var decErr *protocol.DecodeError
	if !errors.As(err, &decErr) || errors.Is(err, protocol.ErrUnknownTag) {
		util.LogWarning("unrecognized message ignored: %s", summarize(line))
		return
	}

	util.LogWarning("malformed message ignored: %v", err)
	if decErr.Tag == protocol.TagFileList {
		s.bus.Emit(bus.Error, bus.ErrorEvent{Kind: bus.KindTransfer, Reason: err.Error(), Err: err})
	}
}

func (s *Session) dispatch(msg protocol.Message) {
	switch m := msg.(type) {

	// Handshake and authentication.
	case protocol.ClientID:
		s.state.ClientID = m.ID
		s.bus.Emit(bus.ClientID, m.ID)
	case protocol.ConnectionRequest:
		s.bus.Emit(bus.ConnectionRequest, m.RequestID)
	case protocol.ConnectionAccepted:
		s.state.Approved = true
		s.bus.Emit(bus.ConnectionApproved, nil)
	case protocol.ConnectionDenied:
		s.state.Approved = false
		s.bus.Emit(bus.ConnectionDenied, m.Reason)
	case protocol.GeneratedPassword:
		s.state.GeneratedPassword = m.Password
		s.bus.Emit(bus.PasswordGenerated, m.Password)
	case protocol.AuthenticationSuccess:
		s.state.Authenticated = true
		s.armKeepAlive()
		util.LogSuccess("authenticated as %s", s.state.DisplayName)
		s.bus.Emit(bus.AuthenticationSuccess, nil)
	case protocol.AuthenticationFailed:
		// The host keeps the socket open for another attempt.
		s.state.Authenticated = false
		stopTimer(&s.keepAlive)
		s.bus.Emit(bus.AuthenticationFailed, nil)
	case protocol.NotAuthenticated:
		s.bus.Emit(bus.Error, bus.ErrorEvent{Kind: bus.KindAuthentication, Reason: "not authenticated"})

	// Control arbitration.
	case protocol.ControlResponse:
		if m.Granted {
			s.bus.Emit(bus.ControlGranted, nil)
		} else {
			s.bus.Emit(bus.ControlDenied, nil)
		}
	case protocol.ControlGranted:
		s.bus.Emit(bus.ControlGranted, nil)
	case protocol.ControlReleased:
		s.bus.Emit(bus.ControlReleased, nil)
	case protocol.QueuePosition:
		s.bus.Emit(bus.QueueUpdate, m.Position)

	// Session end.
	case protocol.SessionClosed:
		s.bus.Emit(bus.SessionClosedByServer, m.Reason)
	case protocol.SessionEnded:
		s.bus.Emit(bus.SessionEndConfirmation, nil)
		gen := s.gen
		stopTimer(&s.endTimer)
		s.endTimer = s.AfterFunc(s.cfg.SessionEndDisconnectDelay, func() {
			if gen == s.gen {
				s.disconnect()
			}
		})

	// Screen.
	case protocol.ScreenData:
		s.screen(m)

	// Chat and listings.
	case protocol.Chat:
		s.chat = append(s.chat, m.Message)
		s.bus.Emit(bus.ChatMessage, m.Message)
	case protocol.ChatHistory:
		s.chat = slices.Clone(m.Messages)
		s.bus.Emit(bus.ChatHistory, m.Messages)
	case protocol.UserList:
		s.users = m.Users
		s.bus.Emit(bus.UserList, m.Users)
	case protocol.FileList:
		s.files = m.Files
		s.bus.Emit(bus.FileList, m.Files)

	// Transfers.
	case protocol.UploadSession:
		s.uploads.OnSession(m.SessionID)
	case protocol.UploadError:
		s.uploads.OnRegistrationError(m.Reason)
	case protocol.ChunkAck:
		s.uploads.OnAck(m)
	case protocol.DownloadStart:
		s.downloads.OnStart(m)
	case protocol.FileChunk:
		s.downloads.OnChunk(m)

	case protocol.Pong:
		s.state.LastPong = s.now()
		util.LogDebug("pong")

	default:
		util.LogWarning("no handler for %s", msg.Tag())
	}
}

// screen runs a frame through admission control. Frames are only processed
// while authenticated.
func (s *Session) screen(m protocol.ScreenData) {
	if !s.state.Authenticated {
		util.LogDebug("frame %d ignored: not authenticated", m.FrameID)
		return
	}

	f, verdict := s.frames.Admit(m, s.now())
	if verdict != frame.Admitted {
		util.Stats.AddDropped()
		return
	}

	util.Stats.AddAdmitted()
	s.bus.Emit(bus.ScreenData, f)
}
