package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

var (
	// ErrUnknownTag is returned for lines whose tag is not part of the vocabulary.
	ErrUnknownTag = errors.New("unknown tag")

	// ErrMalformed is returned when a known tag carries a payload that does
	// not match its schema.
	ErrMalformed = errors.New("malformed payload")
)

// DecodeError records which tag a rejected line carried.
type DecodeError struct {
	Tag Tag
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Tag, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// decoder turns the text after the first colon into a Message. hasPayload
// distinguishes "TAG" from "TAG:".
type decoder func(payload string, hasPayload bool) (Message, error)

var decoders = map[Tag]decoder{
	TagConnectionAccepted:    flag(ConnectionAccepted{}),
	TagAuthenticationSuccess: flag(AuthenticationSuccess{}),
	TagAuthenticationFailed:  flag(AuthenticationFailed{}),
	TagSessionEnded:          flag(SessionEnded{}),
	TagControlGranted:        flag(ControlGranted{}),
	TagControlReleased:       flag(ControlReleased{}),
	TagNotAuthenticated:      flag(NotAuthenticated{}),
	TagPong:                  flag(Pong{}),

	TagClientID:          field(func(s string) Message { return ClientID{ID: s} }),
	TagConnectionRequest: field(func(s string) Message { return ConnectionRequest{RequestID: s} }),
	TagConnectionDenied:  field(func(s string) Message { return ConnectionDenied{Reason: s} }),
	TagGeneratedPassword: field(func(s string) Message { return GeneratedPassword{Password: s} }),
	TagSessionClosed:     field(func(s string) Message { return SessionClosed{Reason: s} }),
	TagUploadSession:     field(func(s string) Message { return UploadSession{SessionID: s} }),
	TagUploadError:       field(func(s string) Message { return UploadError{Reason: s} }),

	TagControlResponse: decodeControlResponse,
	TagQueuePosition:   decodeQueuePosition,
	TagUserList:        decodeUserList,
	TagChatMessage:     decodeChat,
	TagChatHistory:     decodeChatHistory,
	TagFileList:        decodeFileList,
	TagDownloadStart:   decodeDownloadStart,
	TagScreenData:      decodeScreenData,
	TagChunkAck:        decodeChunkAck,
	TagFileChunk:       decodeFileChunk,
}

// Decode parses one inbound line. Errors are always *DecodeError wrapping
// ErrUnknownTag or ErrMalformed.
func Decode(line string) (Message, error) {
	raw, payload, hasPayload := strings.Cut(line, ":")
	tag := Tag(raw)

	dec, ok := decoders[tag]
	if !ok {
		return nil, &DecodeError{Tag: tag, Err: ErrUnknownTag}
	}

	msg, err := dec(payload, hasPayload)
	if err != nil {
		return nil, &DecodeError{Tag: tag, Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
	}
	return msg, nil
}

// ---------------------------------------------------------------------------
// Splitting rules
// ---------------------------------------------------------------------------

// flag matches the bare tag only.
func flag(m Message) decoder {
	return func(_ string, hasPayload bool) (Message, error) {
		if hasPayload {
			return nil, errors.New("unexpected payload")
		}
		return m, nil
	}
}

// field takes everything after the first colon verbatim.
func field(build func(string) Message) decoder {
	return func(payload string, hasPayload bool) (Message, error) {
		if !hasPayload {
			return nil, errors.New("missing payload")
		}
		return build(payload), nil
	}
}

func decodeControlResponse(payload string, hasPayload bool) (Message, error) {
	if !hasPayload {
		return nil, errors.New("missing payload")
	}
	return ControlResponse{Granted: payload == "true"}, nil
}

func decodeQueuePosition(payload string, hasPayload bool) (Message, error) {
	if !hasPayload {
		return nil, errors.New("missing payload")
	}
	n, err := strconv.Atoi(payload)
	if err != nil {
		return nil, fmt.Errorf("queue position: %w", err)
	}
	return QueuePosition{Position: n}, nil
}

func decodeUserList(payload string, _ bool) (Message, error) {
	var users []User
	if err := json.Unmarshal([]byte(payload), &users); err != nil {
		return nil, err
	}
	for i, u := range users {
		if u.ID == "" {
			return nil, fmt.Errorf("user %d: missing id", i)
		}
	}
	return UserList{Users: users}, nil
}

func decodeChat(payload string, _ bool) (Message, error) {
	var m ChatMessage
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		return nil, err
	}
	if err := validateChat(m); err != nil {
		return nil, err
	}
	return Chat{Message: m}, nil
}

func decodeChatHistory(payload string, _ bool) (Message, error) {
	var msgs []ChatMessage
	if err := json.Unmarshal([]byte(payload), &msgs); err != nil {
		return nil, err
	}
	for i, m := range msgs {
		if err := validateChat(m); err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
	}
	return ChatHistory{Messages: msgs}, nil
}

func validateChat(m ChatMessage) error {
	switch m.Type {
	case ChatUser, ChatText, ChatSystem, ChatNotification:
		return nil
	default:
		return fmt.Errorf("unknown chat type %q", m.Type)
	}
}

func decodeFileList(payload string, _ bool) (Message, error) {
	var files []RemoteFile
	if err := json.Unmarshal([]byte(payload), &files); err != nil {
		return nil, err
	}
	for i, f := range files {
		if f.Name == "" || f.Size < 0 {
			return nil, fmt.Errorf("file %d: invalid entry", i)
		}
	}
	return FileList{Files: files}, nil
}

func decodeDownloadStart(payload string, _ bool) (Message, error) {
	var d DownloadStart
	if err := json.Unmarshal([]byte(payload), &d); err != nil {
		return nil, err
	}
	if d.SessionID == "" {
		return nil, errors.New("missing sessionId")
	}
	if d.TotalChunks < 0 {
		return nil, fmt.Errorf("negative totalChunks %d", d.TotalChunks)
	}
	return d, nil
}

// decodeScreenData splits "<frameId>:<base64>"; the image field is the
// remainder of the line even if it contains colons.
func decodeScreenData(payload string, _ bool) (Message, error) {
	id, data, ok := strings.Cut(payload, ":")
	if !ok {
		return nil, errors.New("expected <frameId>:<data>")
	}
	frameID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("frame id: %w", err)
	}
	return ScreenData{FrameID: frameID, Data: data}, nil
}

// decodeChunkAck splits "<sessionId>:<chunkIndex>:<success>" from the right
// so the session id itself may contain colons.
func decodeChunkAck(payload string, _ bool) (Message, error) {
	rest, success, ok := cutLast(payload)
	if !ok {
		return nil, errors.New("expected <sessionId>:<index>:<success>")
	}
	sessionID, idx, ok := cutLast(rest)
	if !ok || sessionID == "" {
		return nil, errors.New("expected <sessionId>:<index>:<success>")
	}
	index, err := strconv.Atoi(idx)
	if err != nil || index < 0 {
		return nil, fmt.Errorf("chunk index %q", idx)
	}
	return ChunkAck{SessionID: sessionID, Index: index, Success: success == "true"}, nil
}

// decodeFileChunk performs a fixed 3-field split; the data field is passed
// through untouched.
func decodeFileChunk(payload string, _ bool) (Message, error) {
	parts := strings.SplitN(payload, ":", 3)
	if len(parts) != 3 || parts[0] == "" {
		return nil, errors.New("expected <sessionId>:<index>:<data>")
	}
	index, err := strconv.Atoi(parts[1])
	if err != nil || index < 0 {
		return nil, fmt.Errorf("chunk index %q", parts[1])
	}
	return FileChunk{SessionID: parts[0], Index: index, Data: parts[2]}, nil
}

func cutLast(s string) (before, after string, ok bool) {
	i := strings.LastIndexByte(s, ':')
	if i < 0 {
		return "", "", false
	}
	return s[:i], s[i+1:], true
}

// ---------------------------------------------------------------------------
// Outbound commands
// ---------------------------------------------------------------------------

// EncodeAuthenticate builds AUTHENTICATE:<password>:<displayName>.
func EncodeAuthenticate(password, displayName string) string {
	return fmt.Sprintf("%s:%s:%s", TagAuthenticate, password, displayName)
}

// EncodeInputEvent builds INPUT_EVENT:<json>.
func EncodeInputEvent(evt InputEvent) (string, error) {
	data, err := json.Marshal(evt)
	if err != nil {
		return "", fmt.Errorf("encode input event: %w", err)
	}
	return fmt.Sprintf("%s:%s", TagInputEvent, data), nil
}

// EncodeChat builds CHAT_MESSAGE:<text>.
func EncodeChat(text string) string {
	return fmt.Sprintf("%s:%s", TagChatMessage, text)
}

// EncodeUploadStart builds FILE_UPLOAD_START:<name>:<size>:<type>.
func EncodeUploadStart(name string, size int64, fileType string) string {
	return fmt.Sprintf("%s:%s:%d:%s", TagUploadStart, name, size, fileType)
}

// EncodeFileChunk builds FILE_CHUNK:<sessionId>:<index>:<base64>.
func EncodeFileChunk(sessionID string, index int, data []byte) string {
	return fmt.Sprintf("%s:%s:%d:%s", TagFileChunk, sessionID, index, base64.StdEncoding.EncodeToString(data))
}

// EncodeDownloadFile builds DOWNLOAD_FILE:<name>.
func EncodeDownloadFile(name string) string {
	return fmt.Sprintf("%s:%s", TagDownloadFile, name)
}

// EncodeRequestChunk builds REQUEST_CHUNK:<sessionId>:<index>.
func EncodeRequestChunk(sessionID string, index int) string {
	return fmt.Sprintf("%s:%s:%d", TagRequestChunk, sessionID, index)
}

// ---------------------------------------------------------------------------
// File classification
// ---------------------------------------------------------------------------

var fileTypes = map[string]string{
	"jpg": "image", "jpeg": "image", "png": "image", "gif": "image", "bmp": "image", "webp": "image",
	"mp4": "video", "avi": "video", "mov": "video", "wmv": "video", "flv": "video", "mkv": "video",
	"pdf": "document",
	"txt": "text", "doc": "text", "docx": "text", "rtf": "text", "odt": "text",
	"mp3": "audio", "wav": "audio", "flac": "audio", "aac": "audio", "ogg": "audio",
	"zip": "archive", "rar": "archive", "7z": "archive", "tar": "archive", "gz": "archive",
}

// ClassifyFile returns the coarse type the host expects in FILE_UPLOAD_START.
func ClassifyFile(name string) string {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	if t, ok := fileTypes[ext]; ok {
		return t
	}
	return "file"
}
