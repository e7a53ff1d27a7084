package transcode

import (
	"sync/atomic"

	"github.com/jmylchreest/transcodarr/internal/ffmpeg"
	"github.com/jmylchreest/transcodarr/internal/models"
)

// Tracker holds a job's running progress. Observations from the download
// and transcode phases race; only increases are applied.
type Tracker struct {
	percent  atomic.Int32
	duration float64
	assumed  float64
	dual     bool
	onRaise  func(percent int)
}

// NewTracker creates a tracker. duration is the probed source length in
// seconds (0 if unknown); assumed is used for estimates when it is unknown.
// dual selects the 0-50 download / 50-99 transcode split used for streamed
// inputs. onRaise, if set, is called after every increase.
func NewTracker(duration, assumed float64, dual bool, onRaise func(int)) *Tracker {
	return &Tracker{
		duration: duration,
		assumed:  assumed,
		dual:     dual,
		onRaise:  onRaise,
	}
}

// Observe raises progress to p if p is higher, capped at 99. It reports
// whether the value changed.
func (t *Tracker) Observe(p int) bool {
	if p > models.MaxRunningProgress {
		p = models.MaxRunningProgress
	}
	for {
		cur := t.percent.Load()
		if int32(p) <= cur {
			return false
		}
		if t.percent.CompareAndSwap(cur, int32(p)) {
			if t.onRaise != nil {
				t.onRaise(p)
			}
			return true
		}
	}
}

// ObserveElapsed records a time= position from the subprocess.
func (t *Tracker) ObserveElapsed(elapsed float64) bool {
	if t.dual {
		return t.Observe(ffmpeg.DualPhasePercent(elapsed, t.duration, t.assumed))
	}
	return t.Observe(ffmpeg.TranscodePercent(elapsed, t.duration, t.assumed))
}

// ObserveBytes records download progress for streamed inputs.
func (t *Tracker) ObserveBytes(received, total int64) bool {
	if !t.dual {
		return false
	}
	return t.Observe(ffmpeg.DownloadPercent(received, total))
}

// Percent returns the current progress.
func (t *Tracker) Percent() int {
	return int(t.percent.Load())
}
