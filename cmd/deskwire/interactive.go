package main

import (
	"context"
	"strings"

	"github.com/pterm/pterm"

	"github.com/1ureka/deskwire/internal/bus"
	"github.com/1ureka/deskwire/internal/frame"
	"github.com/1ureka/deskwire/internal/protocol"
	"github.com/1ureka/deskwire/internal/session"
	"github.com/1ureka/deskwire/internal/transfer"
	"github.com/1ureka/deskwire/internal/util"
)

const helpText = `Commands:
  /files              list shared files
  /users              list connected users
  /upload <path>      upload a local file
  /download <name>    download a shared file
  /control            request remote control
  /release            release remote control
  /end                end the session
  /quit               leave without ending the session
Anything else is sent as a chat message.`

// runInteractive prints session activity and reads commands until the user
// quits, the session ends or ctx is cancelled.
func runInteractive(ctx context.Context, s *session.Session) error {
	closed := make(chan struct{})
	subs := watchSession(s, closed)
	defer func() {
		for _, sub := range subs {
			s.Off(sub)
		}
	}()

	s.RequestUserList()
	pterm.Info.Println(helpText)
	pterm.Println()

	lines := make(chan string)
	go readLines(ctx, lines)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-closed:
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleLine(s, line); quit {
				return nil
			}
		}
	}
}

// readLines feeds prompt input to lines until ctx is cancelled.
func readLines(ctx context.Context, lines chan<- string) {
	defer close(lines)
	for {
		raw, err := pterm.DefaultInteractiveTextInput.WithDefaultText(">").Show()
		if err != nil {
			return
		}
		select {
		case lines <- raw:
		case <-ctx.Done():
			return
		}
	}
}

// handleLine runs one command and reports whether the user asked to leave.
func handleLine(s *session.Session, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		s.SendChatMessage(line)
		return false
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/files":
		s.RequestFileList()
	case "/users":
		s.RequestUserList()
	case "/upload":
		if arg == "" {
			util.LogWarning("usage: /upload <path>")
			return false
		}
		s.UploadPath(arg)
	case "/download":
		if arg == "" {
			util.LogWarning("usage: /download <name>")
			return false
		}
		s.DownloadFile(arg)
	case "/control":
		s.RequestControl()
	case "/release":
		s.ReleaseControl()
	case "/end":
		s.EndSession()
	case "/quit":
		return true
	case "/help":
		pterm.Info.Println(helpText)
	default:
		util.LogWarning("unknown command %s (try /help)", cmd)
	}
	return false
}

// watchSession prints every event relevant to an interactive user. closed
// is closed once the session is disconnected.
func watchSession(s *session.Session, closed chan struct{}) []bus.Subscription {
	var frames int64

	return []bus.Subscription{
		s.On(bus.ChatMessage, func(data any) {
			printChat(data.(protocol.ChatMessage))
		}),
		s.On(bus.ChatHistory, func(data any) {
			for _, m := range data.([]protocol.ChatMessage) {
				printChat(m)
			}
		}),
		s.On(bus.UserList, func(data any) {
			printUsers(data.([]protocol.User))
		}),
		s.On(bus.FileList, func(data any) {
			printFiles(data.([]protocol.RemoteFile))
		}),
		s.On(bus.ControlGranted, func(any) {
			pterm.Success.Println("Remote control granted.")
		}),
		s.On(bus.ControlDenied, func(any) {
			pterm.Warning.Println("Remote control denied.")
		}),
		s.On(bus.ControlReleased, func(any) {
			pterm.Info.Println("Remote control released.")
		}),
		s.On(bus.QueueUpdate, func(data any) {
			pterm.Info.Printfln("Position in control queue: %d", data.(int))
		}),
		s.On(bus.ScreenData, func(data any) {
			frames++
			f := data.(*frame.Frame)
			util.LogDebug("frame %d (%s, %s)", f.ID, f.Format, util.FormatBytes(float64(len(f.Raw))))
		}),
		s.On(bus.UploadProgress, func(data any) {
			printProgress("upload", data.(transfer.Progress))
		}),
		s.On(bus.DownloadProgress, func(data any) {
			printProgress("download", data.(transfer.Progress))
		}),
		s.On(bus.DownloadComplete, func(data any) {
			d := data.(transfer.Delivery)
			pterm.Success.Printfln("Saved %s to %s", d.FileName, d.Location)
		}),
		s.On(bus.Error, func(data any) {
			pterm.Error.Println(data.(bus.ErrorEvent).String())
		}),
		s.On(bus.SessionClosedByServer, func(data any) {
			pterm.Warning.Printfln("Session closed by host: %v", data)
		}),
		s.On(bus.SessionEndConfirmation, func(any) {
			pterm.Info.Println("Session ended.")
		}),
		s.On(bus.Disconnected, func(any) {
			util.LogInfo("disconnected after %d frames", frames)
			select {
			case <-closed:
			default:
				close(closed)
			}
		}),
	}
}

func printChat(m protocol.ChatMessage) {
	switch {
	case m.IsUser():
		pterm.Printfln("[%s] %s: %s", m.Timestamp, pterm.Bold.Sprint(m.SenderName), m.Body)
	case m.Type == protocol.ChatNotification:
		pterm.Info.Printfln("[%s] %s", m.Timestamp, m.Body)
	default:
		pterm.Printfln("[%s] %s", m.Timestamp, pterm.Gray(m.Body))
	}
}

// printProgress logs transfer milestones; the interactive prompt does not
// leave room for live bars.
func printProgress(kind string, p transfer.Progress) {
	switch p.State {
	case transfer.Completed:
		pterm.Success.Printfln("%s of %s complete", kind, p.FileName)
	case transfer.Aborted:
		pterm.Warning.Printfln("%s of %s aborted", kind, p.FileName)
	default:
		util.LogDebug("%s %s: %d/%d chunks (%.0f%%)", kind, p.FileName, p.Done, p.Total, p.Percent)
	}
}
