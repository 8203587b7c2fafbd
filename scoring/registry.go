package scoring

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/teranos/taxscore/errors"
	"github.com/teranos/taxscore/logger"
	"github.com/teranos/taxscore/zscore"
)

// ModelFileExt is the extension of model files in the models directory
const ModelFileExt = ".json"

// Registry holds the loaded scoring models. The stock agg_score model is
// always present unless a model file of the same name replaces it.
type Registry struct {
	dir      string
	defaults zscore.Config
	logger   *zap.SugaredLogger

	mu     sync.RWMutex
	models map[string]*Model

	watcher        *fsnotify.Watcher
	debounceTimer  *time.Timer
	debouncePeriod time.Duration
	onReload       []func()
	watchMu        sync.Mutex
}

// NewRegistry creates a registry for dir. defaults apply to model files without a config block.
func NewRegistry(dir string, defaults zscore.Config, log *zap.SugaredLogger) *Registry {
	if log == nil {
		log = logger.Logger
	}
	r := &Registry{
		dir:            dir,
		defaults:       defaults,
		logger:         log,
		debouncePeriod: 300 * time.Millisecond,
	}
	r.models = r.builtins()
	return r
}

func (r *Registry) builtins() map[string]*Model {
	agg := AggScore(r.defaults)
	return map[string]*Model{agg.Name: agg}
}

// Load reads every model file in the directory. A missing directory leaves
// only the built-in models. If any file is invalid the whole load fails and
// the previously loaded set stays active.
func (r *Registry) Load() error {
	models := r.builtins()

	entries, err := os.ReadDir(r.dir)
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to read models directory %s", r.dir)
	}

	fromFile := map[string]string{}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ModelFileExt {
			continue
		}
		path := filepath.Join(r.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return errors.Wrapf(err, "failed to read model %s", path)
		}
		model, err := ParseModel(data, strings.TrimSuffix(entry.Name(), ModelFileExt), r.defaults)
		if err != nil {
			return errors.WithHintf(err, "fix or remove %s", path)
		}
		if other, dup := fromFile[model.Name]; dup {
			return errors.Mark(
				errors.Newf("model %s is defined in both %s and %s", model.Name, other, path),
				ErrInvalidModel)
		}
		fromFile[model.Name] = path
		models[model.Name] = model
	}

	r.mu.Lock()
	r.models = models
	r.mu.Unlock()

	r.logger.Infow("Scoring models loaded",
		logger.FieldPath, r.dir,
		logger.FieldCount, len(models),
	)
	return nil
}

// Register adds or replaces a model after validating it
func (r *Registry) Register(m *Model) error {
	if _, err := NewModel(m.Name, m.Tree, m.Config); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[m.Name] = m
	return nil
}

// Get returns the model called name
func (r *Registry) Get(name string) (*Model, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[name]
	if !ok {
		return nil, errors.NewNotFoundError("scoring model %q not found", name)
	}
	return m, nil
}

// Names returns the loaded model names, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.models))
	for name := range r.models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// OnReload registers a callback run after every successful watched reload
func (r *Registry) OnReload(callback func()) {
	r.watchMu.Lock()
	defer r.watchMu.Unlock()
	r.onReload = append(r.onReload, callback)
}

// Watch reloads the directory whenever a model file changes. A failed reload
// is logged and the current models stay active.
func (r *Registry) Watch() error {
	r.watchMu.Lock()
	defer r.watchMu.Unlock()
	if r.watcher != nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "failed to create fsnotify watcher")
	}
	if err := watcher.Add(r.dir); err != nil {
		watcher.Close()
		return errors.Wrapf(err, "failed to watch models directory %s", r.dir)
	}
	r.watcher = watcher
	go r.watchLoop(watcher)
	return nil
}

func (r *Registry) watchLoop(watcher *fsnotify.Watcher) {
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Ext(event.Name) != ModelFileExt {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			r.logger.Debugw("Model file changed",
				logger.FieldFile, event.Name,
				"op", event.Op.String())
			r.scheduleReload()

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			r.logger.Warnw("Models watcher error", logger.FieldError, err)
		}
	}
}

func (r *Registry) scheduleReload() {
	r.watchMu.Lock()
	defer r.watchMu.Unlock()
	if r.debounceTimer != nil {
		r.debounceTimer.Stop()
	}
	r.debounceTimer = time.AfterFunc(r.debouncePeriod, func() {
		if err := r.Load(); err != nil {
			r.logger.Errorw("Model reload failed, keeping previous models",
				logger.FieldPath, r.dir,
				logger.FieldError, err)
			return
		}
		r.watchMu.Lock()
		callbacks := append([]func(){}, r.onReload...)
		r.watchMu.Unlock()
		for _, callback := range callbacks {
			callback()
		}
	})
}

// Stop ends watching
func (r *Registry) Stop() error {
	r.watchMu.Lock()
	defer r.watchMu.Unlock()
	if r.debounceTimer != nil {
		r.debounceTimer.Stop()
	}
	if r.watcher == nil {
		return nil
	}
	err := r.watcher.Close()
	r.watcher = nil
	return err
}
