// Package progress renders terminal progress bars driven by the download
// package's event-bus progress events, using github.com/vbauerster/mpb/v8
// the same way the wider retrieval pack's batch-processing tools report
// long-running work to an operator.
package progress

import (
	"time"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/isomet/ims-sdk/engine"
	"github.com/isomet/ims-sdk/event"
)

// Reporter owns one mpb progress container and the bars it tracks.
type Reporter struct {
	progress *mpb.Progress
}

// New creates a Reporter backed by a fresh mpb container.
func New() *Reporter {
	return &Reporter{progress: mpb.New(mpb.WithWidth(80))}
}

// Wait blocks until every bar added through this Reporter has completed.
func (r *Reporter) Wait() {
	r.progress.Wait()
}

// TrackDownload adds a bar named label tracking total units of progress on
// bus, completing it on DownloadFinished and aborting it (marking it
// failed) on DownloadError. unsubscribe must be called once the caller is
// done driving the underlying operation, whether or not it ever finished.
func (r *Reporter) TrackDownload(bus *event.Bus, conn *engine.Connection, label string, total int64) (unsubscribe func()) {
	bar := r.progress.AddBar(total,
		mpb.PrependDecorators(decor.Name(label+": "), decor.Percentage(decor.WCSyncSpace)),
		mpb.AppendDecorators(decor.OnComplete(decor.AverageETA(decor.ET_STYLE_GO), "done")),
	)

	var unProgress, unFinished, unError func()
	unProgress = bus.Subscribe(event.DownloadProgress, func(sender any, kind event.Kind, payload any) {
		if sender != conn {
			return
		}
		if sent, ok := payload.(int); ok {
			bar.SetCurrent(int64(sent))
		}
	})
	unFinished = bus.Subscribe(event.DownloadFinished, func(sender any, kind event.Kind, payload any) {
		if sender != conn {
			return
		}
		bar.SetCurrent(total)
	})
	unError = bus.Subscribe(event.DownloadError, func(sender any, kind event.Kind, payload any) {
		if sender != conn {
			return
		}
		bar.Abort(false)
	})

	return func() {
		unProgress()
		unFinished()
		unError()
	}
}

// TrackFirmware adds a bar for a firmware upgrade, measured in bytes
// written, completing on download.FirmwareDone and aborting on
// download.FirmwareError. kindDone/kindError are passed in rather than
// imported directly, so progress does not import download.
func (r *Reporter) TrackFirmware(bus *event.Bus, conn *engine.Connection, total int64, kindDone, kindError event.Kind) (unsubscribe func()) {
	bar := r.progress.AddBar(total,
		mpb.PrependDecorators(decor.Name("Firmware upgrade: "), decor.Percentage(decor.WCSyncSpace)),
		mpb.AppendDecorators(
			decor.OnComplete(decor.AverageETA(decor.ET_STYLE_GO), "done"),
			decor.OnComplete(decor.Name(""), ""),
		),
	)

	var unProgress, unDone, unError func()
	unProgress = bus.Subscribe(event.DownloadProgress, func(sender any, kind event.Kind, payload any) {
		if sender != conn {
			return
		}
		if sent, ok := payload.(int); ok {
			bar.SetCurrent(int64(sent))
		}
	})
	unDone = bus.Subscribe(kindDone, func(sender any, kind event.Kind, payload any) {
		if sender != conn {
			return
		}
		bar.SetCurrent(total)
	})
	unError = bus.Subscribe(kindError, func(sender any, kind event.Kind, payload any) {
		if sender != conn {
			return
		}
		bar.Abort(false)
	})

	return func() {
		unProgress()
		unDone()
		unError()
	}
}

// shutdownGrace bounds how long Wait is allowed to block in tests that
// abort a bar rather than complete it normally.
const shutdownGrace = 2 * time.Second
