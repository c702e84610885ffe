// Package bus is the publish/subscribe surface between the session layer and
// its presentation. Handlers for one event run in registration order and are
// isolated from each other: a panicking handler is logged and skipped.
package bus

import (
	"sync"

	"github.com/1ureka/deskwire/internal/util"
)

// Event names a kind of notification.
type Event string

const (
	Connected              Event = "connected"
	Disconnected           Event = "disconnected"
	Error                  Event = "error"
	ClientID               Event = "clientId"
	ConnectionRequest      Event = "connectionRequest"
	ConnectionApproved     Event = "connectionApproved"
	ConnectionDenied       Event = "connectionDenied"
	AuthenticationSuccess  Event = "authenticationSuccess"
	AuthenticationFailed   Event = "authenticationFailed"
	PasswordGenerated      Event = "passwordGenerated"
	ControlGranted         Event = "controlGranted"
	ControlDenied          Event = "controlDenied"
	ControlReleased        Event = "controlReleased"
	QueueUpdate            Event = "queueUpdate"
	ScreenData             Event = "screenData"
	ScreenCleared          Event = "screenCleared"
	ChatMessage            Event = "chatMessage"
	ChatHistory            Event = "chatHistory"
	UserList               Event = "userList"
	FileList               Event = "fileList"
	UploadProgress         Event = "uploadProgress"
	DownloadProgress       Event = "downloadProgress"
	DownloadComplete       Event = "downloadComplete"
	SessionClosedByServer  Event = "sessionClosedByServer"
	SessionEndConfirmation Event = "sessionEndConfirmation"
)

// Handler receives the event payload; see each event for its concrete type.
type Handler func(data any)

// Subscription identifies one registered handler for Off.
type Subscription struct {
	event Event
	id    uint64
}

type entry struct {
	id uint64
	fn Handler
}

// Bus maintains the event → ordered handler list table.
type Bus struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[Event][]entry
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{handlers: make(map[Event][]entry)}
}

// On appends fn to the handlers of ev.
func (b *Bus) On(ev Event, fn Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.handlers[ev] = append(b.handlers[ev], entry{id: b.nextID, fn: fn})
	return Subscription{event: ev, id: b.nextID}
}

// Off removes a handler. Removing twice is a no-op.
func (b *Bus) Off(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.handlers[sub.event]
	for i, e := range list {
		if e.id == sub.id {
			// Copy so an in-flight Emit keeps iterating its own snapshot.
			next := make([]entry, 0, len(list)-1)
			next = append(next, list[:i]...)
			next = append(next, list[i+1:]...)
			b.handlers[sub.event] = next
			return
		}
	}
}

// Emit calls every handler of ev with data, in registration order.
func (b *Bus) Emit(ev Event, data any) {
	b.mu.RLock()
	list := b.handlers[ev]
	b.mu.RUnlock()

	if len(list) == 0 {
		util.LogDebug("no handler for event %s", ev)
		return
	}

	for _, e := range list {
		call(ev, e.fn, data)
	}
}

func call(ev Event, fn Handler, data any) {
	defer func() {
		if r := recover(); r != nil {
			util.LogError("handler for %s panicked: %v", ev, r)
		}
	}()
	fn(data)
}
