// Package progress renders ingest and comparison progress for the CLI.
package progress

import (
	"fmt"
	"sync/atomic"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

// Tracker tracks progress for a single source, part, or download.
type Tracker interface {
	SetStage(stage string)
	SetProgress(current, total int64)
	SetItems(scanned int64)
	Done()
}

// Manager creates trackers for individual inputs.
type Manager interface {
	NewTracker(index, total int, name string) Tracker
	Wait()
}

// MPBManager implements Manager using the mpb multi-progress-bar library.
type MPBManager struct {
	container *mpb.Progress
}

func NewMPBManager() *MPBManager {
	return &MPBManager{container: mpb.New(mpb.WithWidth(60))}
}

// NewTracker creates a bar labelled "[i/n] name", with the stage and item
// counter rendered after the bar.
func (m *MPBManager) NewTracker(index, total int, name string) Tracker {
	stageVal := &atomic.Value{}
	stageVal.Store("")
	items := &atomic.Int64{}
	bar := m.container.AddBar(100,
		mpb.PrependDecorators(
			decor.Name(fmt.Sprintf("[%d/%d] %s ", index+1, total, name), decor.WCSyncSpaceR),
		),
		mpb.AppendDecorators(
			decor.Any(func(s decor.Statistics) string {
				stage := stageVal.Load().(string)
				if n := items.Load(); n > 0 {
					return fmt.Sprintf("%s %d items", stage, n)
				}
				return stage
			}),
		),
	)

	return &mpbTracker{bar: bar, stagePtr: stageVal, items: items}
}

// Wait waits for all bars to finish rendering.
func (m *MPBManager) Wait() {
	m.container.Wait()
}

type mpbTracker struct {
	bar      *mpb.Bar
	stagePtr *atomic.Value
	items    *atomic.Int64
}

func (t *mpbTracker) SetStage(stage string) {
	t.stagePtr.Store(stage)
	t.bar.SetCurrent(0) // reset progress for new stage
}

func (t *mpbTracker) SetProgress(current, total int64) {
	if total > 0 {
		pct := int64(float64(current) / float64(total) * 100)
		t.bar.SetTotal(100, false)
		t.bar.SetCurrent(pct)
	}
}

func (t *mpbTracker) SetItems(scanned int64) {
	t.items.Store(scanned)
}

func (t *mpbTracker) Done() {
	t.bar.SetTotal(100, false)
	t.bar.SetCurrent(100)
	t.bar.Abort(false) // complete without removing
}

// NoopManager is a no-op progress manager for non-interactive use.
type NoopManager struct{}

func (NoopManager) NewTracker(index, total int, name string) Tracker {
	return &noopTracker{name: name}
}

func (NoopManager) Wait() {}

type noopTracker struct {
	name string
}

func (t *noopTracker) SetStage(stage string) {
	fmt.Printf("  [%s] %s\n", t.name, stage)
}

func (t *noopTracker) SetProgress(current, total int64) {}
func (t *noopTracker) SetItems(scanned int64)           {}
func (t *noopTracker) Done()                            {}
