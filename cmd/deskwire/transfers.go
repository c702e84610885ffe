package main

import (
	"context"
	"sync"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/1ureka/deskwire/internal/bus"
	"github.com/1ureka/deskwire/internal/session"
	"github.com/1ureka/deskwire/internal/transfer"
	"github.com/1ureka/deskwire/internal/util"
)

type transferKind int

const (
	transferUpload transferKind = iota
	transferDownload
)

// bars renders one progress bar per transfer session id.
type bars struct {
	progress *mpb.Progress

	mu   sync.Mutex
	bars map[string]*mpb.Bar
}

func newBars(ctx context.Context) *bars {
	return &bars{
		progress: mpb.NewWithContext(ctx, mpb.WithWidth(40)),
		bars:     make(map[string]*mpb.Bar),
	}
}

// update reflects p and reports whether the transfer reached a final state.
func (b *bars) update(p transfer.Progress) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	bar, ok := b.bars[p.SessionID]
	if !ok && p.Total > 0 {
		bar = b.progress.AddBar(int64(p.Total),
			mpb.PrependDecorators(
				decor.Name(p.FileName, decor.WC{W: 20, C: decor.DindentRight}),
				decor.CountersNoUnit("%d / %d chunks", decor.WCSyncWidth),
			),
			mpb.AppendDecorators(
				decor.Percentage(decor.WC{W: 6}),
				decor.Elapsed(decor.ET_STYLE_GO, decor.WC{W: 8}),
			),
		)
		b.bars[p.SessionID] = bar
	}

	switch p.State {
	case transfer.Completed, transfer.Delivered:
		if bar != nil {
			bar.SetCurrent(int64(p.Total))
			delete(b.bars, p.SessionID)
		}
		return true
	case transfer.Aborted:
		if bar != nil {
			bar.Abort(false)
			delete(b.bars, p.SessionID)
		}
		return true
	default:
		if bar != nil {
			bar.SetCurrent(int64(p.Done))
		}
		return false
	}
}

func (b *bars) wait() {
	b.progress.Wait()
}

// rejectedFile reports whether evt refused a file before a transfer was
// created. No progress event follows such an error, so it ends that file.
func rejectedFile(evt bus.ErrorEvent) bool {
	return evt.Kind == bus.KindTransfer && evt.SessionID == "" && transfer.Rejected(evt.Err)
}

// runTransfers calls start, then renders progress until n transfers of kind
// have finished. It returns the first transfer error, if any.
func runTransfers(ctx context.Context, s *session.Session, n int, kind transferKind, start func()) error {
	b := newBars(ctx)

	var (
		mu       sync.Mutex
		finished int
		firstErr error
	)
	done := make(chan struct{})

	finish := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil && firstErr == nil {
			firstErr = err
		}
		finished++
		if finished == n {
			close(done)
		}
	}

	progressEvent := bus.UploadProgress
	if kind == transferDownload {
		progressEvent = bus.DownloadProgress
	}

	subs := []bus.Subscription{
		s.On(progressEvent, func(data any) {
			p := data.(transfer.Progress)
			if b.update(p) {
				if p.State == transfer.Aborted {
					util.LogDebug("%s aborted", p.FileName)
				}
				finish(nil)
			}
		}),
		s.On(bus.DownloadComplete, func(data any) {
			d := data.(transfer.Delivery)
			util.LogSuccess("saved %s to %s", d.FileName, d.Location)
		}),
		s.On(bus.Error, func(data any) {
			evt := data.(bus.ErrorEvent)
			switch {
			case rejectedFile(evt):
				util.LogError("%s", evt)
				finish(evt.Err)
			case evt.Kind == bus.KindTransfer && evt.SessionID != "":
				mu.Lock()
				if firstErr == nil {
					firstErr = evt.Err
				}
				mu.Unlock()
			default:
				util.LogError("%s", evt)
			}
		}),
		s.On(bus.Disconnected, func(any) {
			mu.Lock()
			defer mu.Unlock()
			if firstErr == nil {
				firstErr = errClosed
			}
			if finished < n {
				finished = n
				close(done)
			}
		}),
	}
	defer func() {
		for _, sub := range subs {
			s.Off(sub)
		}
	}()

	start()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	b.wait()

	mu.Lock()
	defer mu.Unlock()
	return firstErr
}
