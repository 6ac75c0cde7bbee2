// Package silentmode implements SilentModeWatcher: the hardware
// silent-mode file watch and its mirrored sysfs bit. Grounded on the
// teacher's fsnotify usage for sysfs-path change notification and on
// camouflage.go's writeHint for the non-fatal "log, don't propagate"
// mirror-write pattern.
package silentmode

import (
	"context"
	"os"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/carplatform/vhalguard/internal/powercomponent"
)

// Coordinator is the subset of coordinator.Coordinator this watcher
// drives.
type Coordinator interface {
	ApplyRegular(ctx context.Context, id string, force bool) error
	ApplyPreemptive(ctx context.Context, id string) error
	TookOver() bool
	PendingID() string
}

// ForcedMode is a boot-property override that pins the mode permanently,
// skipping hardware monitoring entirely.
type ForcedMode int

const (
	NotForced ForcedMode = iota
	ForcedSilent
	ForcedNonSilent
)

// Watcher watches hardwareStatePath for change events and mirrors the
// current bit into mirrorPath.
type Watcher struct {
	coord         Coordinator
	hardwareState string
	mirrorPath    string
	forced        ForcedMode
	log           *zap.Logger

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	silent  bool
}

// New creates a Watcher. forced pins the mode and disables monitoring
// when it is not NotForced.
func New(coord Coordinator, hardwareStatePath, mirrorPath string, forced ForcedMode, log *zap.Logger) *Watcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Watcher{coord: coord, hardwareState: hardwareStatePath, mirrorPath: mirrorPath, forced: forced, log: log}
}

// Start begins watching, unless a forced mode is set. Returns an error
// only for transport setup failures; the watch loop itself runs in a
// background goroutine until Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	if w.forced != NotForced {
		w.log.Info("silent mode pinned by boot property, monitoring not started", zap.Bool("silent", w.forced == ForcedSilent))
		w.silent = w.forced == ForcedSilent
		w.writeMirror()
		return nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(w.hardwareState); err != nil {
		fw.Close()
		return err
	}
	w.watcher = fw

	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	go w.loop(loopCtx)
	return nil
}

// Stop ends the watch loop. powerpolicyd calls it at shutdown; the takeover
// handshake (notifyServiceReady) does not call it, and changes seen after
// takeover are dropped by handleChange instead. Stop is idempotent.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	if w.watcher != nil {
		w.watcher.Close()
	}
}

func (w *Watcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.handleChange(ctx)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("silent mode watch error", zap.Error(err))
		}
	}
}

func (w *Watcher) handleChange(ctx context.Context) {
	if w.coord.TookOver() {
		// Silent-mode events are discarded once the framework has taken
		// over ownership of policy decisions.
		return
	}

	raw, err := os.ReadFile(w.hardwareState)
	if err != nil {
		w.log.Warn("failed reading silent mode hardware state", zap.Error(err))
		return
	}
	nowSilent := strings.TrimSpace(string(raw)) == "1"

	if nowSilent == w.silent {
		return
	}
	wasSilent := w.silent
	w.silent = nowSilent
	w.writeMirror()

	if wasSilent && !nowSilent {
		pending := w.coord.PendingID()
		if pending == "" {
			pending = powercomponent.PolicyInitialOn
		}
		if err := w.coord.ApplyRegular(ctx, pending, true); err != nil {
			w.log.Warn("failed to apply pending policy on silent mode exit", zap.Error(err))
		}
		return
	}
	if !wasSilent && nowSilent {
		if err := w.coord.ApplyPreemptive(ctx, powercomponent.PolicyNoUserInteraction); err != nil {
			w.log.Warn("failed to apply no_user_interaction on silent mode entry", zap.Error(err))
		}
	}
}

// writeMirror mirrors the current bit into the kernel sysfs file.
// Failure is logged and swallowed: the source this is ported from leaves
// this case undocumented, and the existing non-fatal behavior is
// preserved here rather than treated as an operational error.
func (w *Watcher) writeMirror() {
	if w.mirrorPath == "" {
		return
	}
	val := "0"
	if w.silent {
		val = "1"
	}
	if err := os.WriteFile(w.mirrorPath, []byte(val), 0o644); err != nil {
		w.log.Warn("failed to mirror silent mode to sysfs", zap.String("path", w.mirrorPath), zap.Error(err))
	}
}

// Silent reports the watcher's last observed state, for tests and dump.
func (w *Watcher) Silent() bool { return w.silent }
