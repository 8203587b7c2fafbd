package am

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/teranos/taxscore/errors"
	"github.com/teranos/taxscore/logger"
)

const (
	defaultDebounce = 500 * time.Millisecond

	// ownWriteWindow is how long after MarkOwnWrite events are ignored
	ownWriteWindow = 2 * time.Second
)

// ReloadCallback receives the freshly loaded config. An error is logged and
// the remaining callbacks still run.
type ReloadCallback func(*Config) error

// ConfigWatcher reloads the config cascade when a watched am.toml changes.
//
// The file's directory is watched rather than the file itself: editors that
// save by rename would otherwise drop the watch after the first edit.
type ConfigWatcher struct {
	configPath string
	configName string
	watcher    *fsnotify.Watcher
	logger     *zap.SugaredLogger

	mu            sync.Mutex
	callbacks     []ReloadCallback
	debounce      time.Duration
	debounceTimer *time.Timer
	ownWriteUntil time.Time
	stopped       bool
}

var (
	globalWatcher   *ConfigWatcher
	globalWatcherMu sync.Mutex
)

// NewConfigWatcher watches configPath. The file must exist.
func NewConfigWatcher(configPath string) (*ConfigWatcher, error) {
	abs, err := filepath.Abs(configPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to resolve config path %s", configPath)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create fsnotify watcher")
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, errors.Wrapf(err, "failed to watch config directory of %s", configPath)
	}

	return &ConfigWatcher{
		configPath: abs,
		configName: filepath.Base(abs),
		watcher:    watcher,
		logger:     logger.ComponentLogger("am"),
		debounce:   defaultDebounce,
	}, nil
}

// SetDebounce changes the quiet period before a reload. Call before Start.
func (cw *ConfigWatcher) SetDebounce(d time.Duration) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.debounce = d
}

// OnReload registers a callback run after every successful reload
func (cw *ConfigWatcher) OnReload(callback ReloadCallback) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.callbacks = append(cw.callbacks, callback)
}

// MarkOwnWrite suppresses reloads for writes this process is about to make
func (cw *ConfigWatcher) MarkOwnWrite() {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.ownWriteUntil = time.Now().Add(ownWriteWindow)
}

func (cw *ConfigWatcher) isOwnWrite() bool {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return time.Now().Before(cw.ownWriteUntil)
}

// Start begins watching in the background
func (cw *ConfigWatcher) Start() {
	go cw.watchLoop()
}

func (cw *ConfigWatcher) watchLoop() {
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if !cw.relevant(event) {
				continue
			}
			if cw.isOwnWrite() {
				cw.logger.Debugw("Ignoring own config write", logger.FieldFile, event.Name)
				continue
			}
			cw.logger.Infow("Config change detected",
				logger.FieldFile, event.Name,
				"op", event.Op.String())
			cw.scheduleReload()

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.logger.Warnw("Config watcher error", logger.FieldError, err)
		}
	}
}

// relevant filters directory events down to writes of the watched file
func (cw *ConfigWatcher) relevant(event fsnotify.Event) bool {
	if filepath.Base(event.Name) != cw.configName || isBackupFile(event.Name) {
		return false
	}
	return event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0
}

func (cw *ConfigWatcher) scheduleReload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if cw.stopped {
		return
	}
	if cw.debounceTimer != nil {
		cw.debounceTimer.Stop()
	}
	cw.debounceTimer = time.AfterFunc(cw.debounce, func() {
		if err := cw.reload(); err != nil {
			cw.logger.Errorw("Config reload failed, keeping previous config",
				logger.FieldPath, cw.configPath,
				logger.FieldError, err)
		}
	})
}

// reload re-reads the whole cascade and hands the result to the callbacks.
// An invalid config fails Load, so no callback sees it.
func (cw *ConfigWatcher) reload() error {
	Reset()
	cfg, err := Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	cw.mu.Lock()
	callbacks := append([]ReloadCallback(nil), cw.callbacks...)
	cw.mu.Unlock()

	cw.logger.Infow("Config reloaded", logger.FieldPath, cw.configPath, "callbacks", len(callbacks))
	for _, callback := range callbacks {
		if err := callback(cfg); err != nil {
			cw.logger.Warnw("Config reload callback failed", logger.FieldError, err)
		}
	}
	return nil
}

// Stop ends watching. Pending reloads are dropped.
func (cw *ConfigWatcher) Stop() error {
	cw.mu.Lock()
	if cw.stopped {
		cw.mu.Unlock()
		return nil
	}
	cw.stopped = true
	if cw.debounceTimer != nil {
		cw.debounceTimer.Stop()
	}
	cw.mu.Unlock()
	return cw.watcher.Close()
}

// isBackupFile matches the rotated .back1 .. .back3 copies written by Save
func isBackupFile(path string) bool {
	ext := filepath.Ext(path)
	return strings.HasPrefix(ext, ".back") && len(ext) == len(".back1")
}

// SetGlobalWatcher registers the process's watcher so Save can mark its own writes
func SetGlobalWatcher(watcher *ConfigWatcher) {
	globalWatcherMu.Lock()
	defer globalWatcherMu.Unlock()
	globalWatcher = watcher
}

// GetGlobalWatcher returns the registered watcher, or nil
func GetGlobalWatcher() *ConfigWatcher {
	globalWatcherMu.Lock()
	defer globalWatcherMu.Unlock()
	return globalWatcher
}
