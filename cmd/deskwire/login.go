package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pterm/pterm"

	"github.com/1ureka/deskwire/internal/bus"
	"github.com/1ureka/deskwire/internal/protocol"
	"github.com/1ureka/deskwire/internal/session"
	"github.com/1ureka/deskwire/internal/util"
)

const maxPasswordAttempts = 3

var (
	errAuthFailed = errors.New("authentication failed")
	errClosed     = errors.New("connection closed")
)

// notify delivers err to ch unless a result is already waiting.
func notify(ch chan error, err error) {
	select {
	case ch <- err:
	default:
	}
}

func await(ctx context.Context, ch <-chan error) error {
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// login connects to host, waits for the host to approve the connection and
// authenticates. Without a password flag the user is prompted, with a few
// attempts allowed.
func login(ctx context.Context, s *session.Session, host, password, name string) error {
	approved := make(chan error, 1)
	authed := make(chan error, 1)

	subs := []bus.Subscription{
		s.On(bus.Connected, func(any) {
			util.LogInfo("connected, waiting for the host to accept...")
		}),
		s.On(bus.ConnectionApproved, func(any) { notify(approved, nil) }),
		s.On(bus.ConnectionDenied, func(data any) {
			notify(approved, fmt.Errorf("connection denied by host: %v", data))
		}),
		s.On(bus.AuthenticationSuccess, func(any) { notify(authed, nil) }),
		s.On(bus.AuthenticationFailed, func(any) { notify(authed, errAuthFailed) }),
		s.On(bus.Error, func(data any) {
			if evt := data.(bus.ErrorEvent); evt.Kind == bus.KindConnection {
				notify(approved, evt.Err)
				notify(authed, evt.Err)
			}
		}),
		s.On(bus.Disconnected, func(any) {
			notify(approved, errClosed)
			notify(authed, errClosed)
		}),
	}
	defer func() {
		for _, sub := range subs {
			s.Off(sub)
		}
	}()

	s.Connect(host)
	if err := await(ctx, approved); err != nil {
		return err
	}

	for attempt := 1; ; attempt++ {
		pw := password
		if pw == "" {
			pw = askPassword()
		}

		s.Authenticate(pw, name)
		err := await(ctx, authed)
		if err == nil {
			util.LogSuccess("joined session on %s as %s", host, name)
			return nil
		}
		if !errors.Is(err, errAuthFailed) || password != "" || attempt >= maxPasswordAttempts {
			return err
		}
		util.LogWarning("wrong password, try again")
	}
}

// askPassword prompts for the session password.
func askPassword() string {
	raw, _ := pterm.DefaultInteractiveTextInput.
		WithDefaultText("Session password").
		WithMask("*").
		Show()
	pterm.Println()
	return strings.TrimSpace(raw)
}

// fetchFiles requests the shared-file listing and waits for it.
func fetchFiles(ctx context.Context, s *session.Session) ([]protocol.RemoteFile, error) {
	got := make(chan []protocol.RemoteFile, 1)
	failed := make(chan error, 1)

	onList := s.On(bus.FileList, func(data any) {
		select {
		case got <- data.([]protocol.RemoteFile):
		default:
		}
	})
	defer s.Off(onList)
	onErr := s.On(bus.Error, func(data any) {
		notify(failed, data.(bus.ErrorEvent).Err)
	})
	defer s.Off(onErr)

	s.RequestFileList()

	select {
	case files := <-got:
		return files, nil
	case err := <-failed:
		return nil, fmt.Errorf("failed to list files: %w", err)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func printFiles(files []protocol.RemoteFile) {
	if len(files) == 0 {
		pterm.Info.Println("The host is not sharing any files.")
		return
	}

	data := pterm.TableData{{"Name", "Type", "Size", "Modified"}}
	for _, f := range files {
		data = append(data, []string{
			f.Name,
			f.Type,
			util.FormatBytes(float64(f.Size)),
			time.UnixMilli(f.LastModified).Format("2006-01-02 15:04"),
		})
	}
	pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func printUsers(users []protocol.User) {
	data := pterm.TableData{{"Name", "Address", "Control"}}
	for _, u := range users {
		control := ""
		if u.HasControl {
			control = "yes"
		}
		data = append(data, []string{u.DisplayName, u.IP, control})
	}
	pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}
