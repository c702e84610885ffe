// Package protocol defines the tagged-line wire format spoken with the
// remote-desktop host. Every websocket text message is one line shaped as
// TAG or TAG:payload; the payload splitting rule is specific to each tag.
package protocol

// Tag is the leading token of a wire line.
type Tag string

// Inbound tags.
const (
	TagConnectionAccepted    Tag = "CONNECTION_ACCEPTED"
	TagAuthenticationSuccess Tag = "AUTHENTICATION_SUCCESS"
	TagAuthenticationFailed  Tag = "AUTHENTICATION_FAILED"
	TagSessionEnded          Tag = "SESSION_ENDED_CONFIRMATION"
	TagControlGranted        Tag = "CONTROL_GRANTED"
	TagControlReleased       Tag = "CONTROL_RELEASED"
	TagNotAuthenticated      Tag = "NOT_AUTHENTICATED"
	TagPong                  Tag = "PONG"

	TagClientID          Tag = "CLIENT_ID"
	TagConnectionRequest Tag = "CONNECTION_REQUEST"
	TagConnectionDenied  Tag = "CONNECTION_DENIED"
	TagGeneratedPassword Tag = "GENERATED_PASSWORD"
	TagSessionClosed     Tag = "SESSION_CLOSED_BY_SERVER"
	TagUploadSession     Tag = "UPLOAD_SESSION"
	TagUploadError       Tag = "UPLOAD_ERROR"
	TagControlResponse   Tag = "CONTROL_RESPONSE"
	TagQueuePosition     Tag = "QUEUE_POSITION"

	TagUserList      Tag = "USER_LIST"
	TagChatMessage   Tag = "CHAT_MESSAGE"
	TagChatHistory   Tag = "CHAT_HISTORY"
	TagFileList      Tag = "FILE_LIST"
	TagDownloadStart Tag = "DOWNLOAD_START"

	TagScreenData Tag = "SCREEN_DATA"
	TagChunkAck   Tag = "CHUNK_ACK"
	TagFileChunk  Tag = "FILE_CHUNK"
)

// Outbound commands without a payload.
const (
	CmdRequestControl  = "REQUEST_CONTROL"
	CmdReleaseControl  = "RELEASE_CONTROL"
	CmdEndSession      = "END_SESSION"
	CmdRequestUserList = "REQUEST_USER_LIST"
	CmdRequestFileList = "REQUEST_FILE_LIST"
	CmdPing            = "PING"
)

// Outbound command tags followed by a payload.
const (
	TagAuthenticate Tag = "AUTHENTICATE"
	TagInputEvent   Tag = "INPUT_EVENT"
	TagUploadStart  Tag = "FILE_UPLOAD_START"
	TagDownloadFile Tag = "DOWNLOAD_FILE"
	TagRequestChunk Tag = "REQUEST_CHUNK"
)

// Message is one decoded inbound line.
type Message interface {
	Tag() Tag
}

// ---------------------------------------------------------------------------
// Flag messages (no payload)
// ---------------------------------------------------------------------------

type ConnectionAccepted struct{}
type AuthenticationSuccess struct{}
type AuthenticationFailed struct{}
type SessionEnded struct{}
type ControlGranted struct{}
type ControlReleased struct{}
type NotAuthenticated struct{}
type Pong struct{}

func (ConnectionAccepted) Tag() Tag    { return TagConnectionAccepted }
func (AuthenticationSuccess) Tag() Tag { return TagAuthenticationSuccess }
func (AuthenticationFailed) Tag() Tag  { return TagAuthenticationFailed }
func (SessionEnded) Tag() Tag          { return TagSessionEnded }
func (ControlGranted) Tag() Tag        { return TagControlGranted }
func (ControlReleased) Tag() Tag       { return TagControlReleased }
func (NotAuthenticated) Tag() Tag      { return TagNotAuthenticated }
func (Pong) Tag() Tag                  { return TagPong }

// ---------------------------------------------------------------------------
// Single-field messages (payload taken verbatim)
// ---------------------------------------------------------------------------

type ClientID struct{ ID string }
type ConnectionRequest struct{ RequestID string }
type ConnectionDenied struct{ Reason string }
type GeneratedPassword struct{ Password string }
type SessionClosed struct{ Reason string }
type UploadSession struct{ SessionID string }
type UploadError struct{ Reason string }

// ControlResponse answers REQUEST_CONTROL / RELEASE_CONTROL.
type ControlResponse struct{ Granted bool }

// QueuePosition is the 1-based position in the control queue.
type QueuePosition struct{ Position int }

func (ClientID) Tag() Tag          { return TagClientID }
func (ConnectionRequest) Tag() Tag { return TagConnectionRequest }
func (ConnectionDenied) Tag() Tag  { return TagConnectionDenied }
func (GeneratedPassword) Tag() Tag { return TagGeneratedPassword }
func (SessionClosed) Tag() Tag     { return TagSessionClosed }
func (UploadSession) Tag() Tag     { return TagUploadSession }
func (UploadError) Tag() Tag       { return TagUploadError }
func (ControlResponse) Tag() Tag   { return TagControlResponse }
func (QueuePosition) Tag() Tag     { return TagQueuePosition }

// ---------------------------------------------------------------------------
// JSON messages
// ---------------------------------------------------------------------------

// User is one entry of the host's connected-user listing.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	HasControl  bool   `json:"hasControl"`
	IP          string `json:"ip,omitempty"`
	Status      string `json:"status,omitempty"`
}

// Chat message kinds.
const (
	ChatUser         = "user"
	ChatText         = "text" // legacy spelling of ChatUser
	ChatSystem       = "system"
	ChatNotification = "notification"
)

// ChatMessage is one entry of the session's chat log.
type ChatMessage struct {
	ID         string `json:"id"`
	SenderID   string `json:"senderId,omitempty"`
	SenderName string `json:"senderName"`
	Body       string `json:"message"`
	Type       string `json:"type"`
	Timestamp  string `json:"timestamp"`
}

// IsUser reports whether the message was written by a participant.
func (m ChatMessage) IsUser() bool {
	return m.Type == ChatUser || m.Type == ChatText
}

// RemoteFile is one entry of the host's shared-file listing.
type RemoteFile struct {
	Name         string `json:"name"`
	Size         int64  `json:"size"`
	Type         string `json:"type"`
	LastModified int64  `json:"lastModified"`
}

type UserList struct{ Users []User }
type Chat struct{ Message ChatMessage }
type ChatHistory struct{ Messages []ChatMessage }
type FileList struct{ Files []RemoteFile }

// DownloadStart announces a download session for a previously requested file.
type DownloadStart struct {
	SessionID   string `json:"sessionId"`
	FileName    string `json:"fileName"`
	FileSize    int64  `json:"fileSize"`
	TotalChunks int    `json:"totalChunks"`
}

func (UserList) Tag() Tag      { return TagUserList }
func (Chat) Tag() Tag          { return TagChatMessage }
func (ChatHistory) Tag() Tag   { return TagChatHistory }
func (FileList) Tag() Tag      { return TagFileList }
func (DownloadStart) Tag() Tag { return TagDownloadStart }

// ---------------------------------------------------------------------------
// Multi-field messages
// ---------------------------------------------------------------------------

// ScreenData carries one encoded frame. Data is the base64 image, left
// undecoded for the admission controller.
type ScreenData struct {
	FrameID int64
	Data    string
}

// ChunkAck acknowledges one uploaded chunk.
type ChunkAck struct {
	SessionID string
	Index     int
	Success   bool
}

// FileChunk delivers one downloaded chunk. Data is the base64 payload, left
// undecoded for the download state machine.
type FileChunk struct {
	SessionID string
	Index     int
	Data      string
}

func (ScreenData) Tag() Tag { return TagScreenData }
func (ChunkAck) Tag() Tag   { return TagChunkAck }
func (FileChunk) Tag() Tag  { return TagFileChunk }

// ---------------------------------------------------------------------------
// Input events
// ---------------------------------------------------------------------------

// Input event kinds understood by the host.
const (
	InputMouseMove    = "MOUSE_MOVE"
	InputMouseClick   = "MOUSE_CLICK"
	InputMousePress   = "MOUSE_PRESS"
	InputMouseRelease = "MOUSE_RELEASE"
	InputMouseScroll  = "MOUSE_SCROLL"
	InputKeyPress     = "KEY_PRESS"
	InputKeyRelease   = "KEY_RELEASE"
	InputKeyType      = "KEY_TYPE"
)

// InputEvent is a forwarded mouse or keyboard event. Coordinates are
// relative to the remote framebuffer.
type InputEvent struct {
	Type      string `json:"type"`
	X         int    `json:"x,omitempty"`
	Y         int    `json:"y,omitempty"`
	Button    int    `json:"button,omitempty"`
	DeltaX    int    `json:"deltaX,omitempty"`
	DeltaY    int    `json:"deltaY,omitempty"`
	KeyCode   int    `json:"keyCode,omitempty"`
	Key       string `json:"key,omitempty"`
	Text      string `json:"text,omitempty"`
	CtrlKey   bool   `json:"ctrlKey,omitempty"`
	ShiftKey  bool   `json:"shiftKey,omitempty"`
	AltKey    bool   `json:"altKey,omitempty"`
	Timestamp int64  `json:"timestamp"`
}
