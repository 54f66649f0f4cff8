package assets

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"

	"github.com/spaghettifunk/anima-rhi/engine/assets/loaders"
	"github.com/spaghettifunk/anima-rhi/engine/core"
	"github.com/spaghettifunk/anima-rhi/engine/renderer"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/metadata"
)

// ShaderFactory turns blobs into device shaders. *renderer.Device is one.
type ShaderFactory interface {
	CreateShader(desc metadata.ShaderDesc, blob []byte) (*renderer.Shader, error)
}

type ShaderAsset struct {
	Path       string
	Shader     *renderer.Shader
	LastLoaded time.Time
}

// ShaderEvent tells a subscriber that a shader changed. Shader is nil when
// the blob was removed.
type ShaderEvent struct {
	Name   string
	Path   string
	Shader *renderer.Shader
}

func (e ShaderEvent) Removed() bool {
	return e.Shader == nil
}

var ErrLibraryClosed = errors.New("shader library already closed")

type Option func(*ShaderLibrary)

func WithLogger(l *core.Logger) Option {
	return func(sl *ShaderLibrary) { sl.logger = l }
}

// WithEventBus makes the library fire EVENT_CODE_SHADER_RELOADED.
func WithEventBus(b *core.EventBus) Option {
	return func(sl *ShaderLibrary) { sl.bus = b }
}

func WithLoader(l Loader) Option {
	return func(sl *ShaderLibrary) { sl.loader = l }
}

// ShaderLibrary keeps the compiled shaders of a directory loaded on a device
// and, once watching, reloads them as they change on disk.
type ShaderLibrary struct {
	dir     string
	factory ShaderFactory
	loader  Loader
	bus     *core.EventBus
	logger  *core.Logger

	mutex       sync.RWMutex
	assets      map[string]*ShaderAsset // by blob path
	names       map[string]string       // shader name -> blob path
	subscribers []chan ShaderEvent

	fsnotify *fsnotify.Watcher
	done     chan struct{}
	stopped  chan struct{}
	isClosed bool
}

func NewShaderLibrary(dir string, factory ShaderFactory, opts ...Option) *ShaderLibrary {
	sl := &ShaderLibrary{
		dir:     filepath.Clean(dir),
		factory: factory,
		loader:  &loaders.ShaderLoader{},
		assets:  make(map[string]*ShaderAsset),
		names:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(sl)
	}
	sl.logger = sl.logger.OrDefault().With("system", "shaders")
	return sl
}

// Load loads every blob under the library directory. Blobs that fail to load
// are logged and skipped; the first failure is returned.
func (sl *ShaderLibrary) Load() error {
	var first error
	err := filepath.Walk(sl.dir, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.IsDir() || !loaders.IsShaderBlob(path) {
			return nil
		}
		if err := sl.load(path); err != nil && first == nil {
			first = err
		}
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "walking %s", sl.dir)
	}
	sl.logger.Infof("loaded %d shaders from %s", sl.Len(), sl.dir)
	return first
}

// Watch starts reloading shaders when their blob or sidecar changes.
func (sl *ShaderLibrary) Watch() error {
	sl.mutex.Lock()
	defer sl.mutex.Unlock()
	if sl.isClosed {
		return ErrLibraryClosed
	}
	if sl.fsnotify != nil {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "creating watcher")
	}
	sl.fsnotify = w
	sl.done = make(chan struct{})
	sl.stopped = make(chan struct{})
	if err := sl.watchRecursive(sl.dir); err != nil {
		w.Close()
		sl.fsnotify = nil
		return err
	}
	go sl.start()
	return nil
}

// Get returns the shader called name.
func (sl *ShaderLibrary) Get(name string) (*renderer.Shader, bool) {
	sl.mutex.RLock()
	defer sl.mutex.RUnlock()
	path, ok := sl.names[name]
	if !ok {
		return nil, false
	}
	return sl.assets[path].Shader, true
}

// Names lists the loaded shaders in name order.
func (sl *ShaderLibrary) Names() []string {
	sl.mutex.RLock()
	defer sl.mutex.RUnlock()
	out := make([]string, 0, len(sl.names))
	for n := range sl.names {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (sl *ShaderLibrary) Len() int {
	sl.mutex.RLock()
	defer sl.mutex.RUnlock()
	return len(sl.assets)
}

// Subscribe returns a channel receiving every reload and removal. Events are
// dropped for a subscriber whose buffer is full.
func (sl *ShaderLibrary) Subscribe(buffer int) <-chan ShaderEvent {
	ch := make(chan ShaderEvent, buffer)
	sl.mutex.Lock()
	defer sl.mutex.Unlock()
	if sl.isClosed {
		close(ch)
		return ch
	}
	sl.subscribers = append(sl.subscribers, ch)
	return ch
}

// Close stops watching, closes subscriber channels and destroys the shaders.
func (sl *ShaderLibrary) Close() error {
	sl.mutex.Lock()
	if sl.isClosed {
		sl.mutex.Unlock()
		return nil
	}
	sl.isClosed = true
	watching := sl.fsnotify != nil
	sl.mutex.Unlock()

	if watching {
		close(sl.done)
		<-sl.stopped
	}

	sl.mutex.Lock()
	defer sl.mutex.Unlock()
	for _, ch := range sl.subscribers {
		close(ch)
	}
	sl.subscribers = nil
	for path, a := range sl.assets {
		a.Shader.Destroy()
		delete(sl.assets, path)
	}
	sl.names = make(map[string]string)
	return nil
}

func (sl *ShaderLibrary) start() {
	defer close(sl.stopped)
	for {
		select {
		case e, ok := <-sl.fsnotify.Events:
			if !ok {
				return
			}
			sl.handleFileEvent(e)

		case err, ok := <-sl.fsnotify.Errors:
			if !ok {
				return
			}
			sl.logger.Errorf("watcher: %v", err)

		case <-sl.done:
			sl.fsnotify.Close()
			return
		}
	}
}

// watchRecursive adds dir and its sub-directories to the watch list.
func (sl *ShaderLibrary) watchRecursive(dir string) error {
	return filepath.Walk(dir, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.IsDir() {
			if err := sl.fsnotify.Add(path); err != nil {
				return errors.Wrapf(err, "watching %s", path)
			}
		}
		return nil
	})
}

func (sl *ShaderLibrary) handleFileEvent(e fsnotify.Event) {
	path := filepath.Clean(e.Name)
	if e.Op&fsnotify.Create != 0 {
		if s, err := os.Stat(path); err == nil && s.IsDir() {
			if err := sl.watchRecursive(path); err != nil {
				sl.logger.Warnf("%v", err)
			}
			return
		}
	}

	switch {
	case loaders.IsShaderBlob(path):
		if e.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
			sl.drop(path)
			return
		}
		if e.Op&(fsnotify.Create|fsnotify.Write) != 0 {
			sl.load(path)
		}
	case loaders.IsSidecar(path):
		if e.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove) == 0 {
			return
		}
		for _, blob := range loaders.BlobsFor(path) {
			if _, err := os.Stat(blob); err == nil {
				sl.load(blob)
			}
		}
	}
}

// load creates the shader of path and swaps it in. A failed reload keeps the
// previous shader.
func (sl *ShaderLibrary) load(path string) error {
	src, err := sl.loader.Load(path)
	if err != nil {
		sl.logger.Warnf("%v", err)
		return err
	}
	shader, err := sl.factory.CreateShader(src.Desc, src.Blob)
	if err != nil {
		sl.logger.Warnf("creating shader %s: %v", path, err)
		return err
	}

	sl.mutex.Lock()
	if sl.isClosed {
		sl.mutex.Unlock()
		shader.Destroy()
		return ErrLibraryClosed
	}
	prev := sl.assets[path]
	if owner, ok := sl.names[src.Desc.Name]; ok && owner != path {
		sl.mutex.Unlock()
		shader.Destroy()
		err := errors.Newf("shader %q from %s is already loaded from %s", src.Desc.Name, path, owner)
		sl.logger.Warnf("%v", err)
		return err
	}
	if prev != nil && prev.Shader.Name() != src.Desc.Name {
		delete(sl.names, prev.Shader.Name())
	}
	sl.assets[path] = &ShaderAsset{Path: path, Shader: shader, LastLoaded: time.Now()}
	sl.names[src.Desc.Name] = path
	sl.notify(ShaderEvent{Name: src.Desc.Name, Path: path, Shader: shader})
	sl.mutex.Unlock()

	if prev != nil {
		prev.Shader.Destroy()
		sl.logger.Infof("reloaded %s", src.Desc.Name)
		sl.fire(src.Desc.Stage)
	} else {
		sl.logger.Debugf("loaded %s (%s)", src.Desc.Name, src.Desc.Stage)
	}
	return nil
}

// drop removes the asset of a deleted blob.
func (sl *ShaderLibrary) drop(path string) {
	sl.mutex.Lock()
	a, ok := sl.assets[path]
	if !ok {
		sl.mutex.Unlock()
		return
	}
	name := a.Shader.Name()
	delete(sl.assets, path)
	delete(sl.names, name)
	sl.notify(ShaderEvent{Name: name, Path: path})
	sl.mutex.Unlock()

	a.Shader.Destroy()
	sl.logger.Infof("dropped %s", name)
}

// notify must be called with the mutex held.
func (sl *ShaderLibrary) notify(e ShaderEvent) {
	for _, ch := range sl.subscribers {
		select {
		case ch <- e:
		default:
			sl.logger.Warnf("subscriber is full, dropping %s event", e.Name)
		}
	}
}

func (sl *ShaderLibrary) fire(stage metadata.ShaderStage) {
	if sl.bus == nil {
		return
	}
	var ctx core.EventContext
	ctx.Data.U32[0] = uint32(stage)
	sl.bus.Fire(core.EVENT_CODE_SHADER_RELOADED, sl, ctx)
}
