// Package registry implements the playbook/action discovery layer: an
// ordered loader chain, an action catalog keyed by factory metadata, and
// a playbook cache invalidated by file mtime. Grounded on
// pkg/workflow/subworkflow.Loader's cache-with-mtime-invalidation and
// callStack-based cycle/depth detection, generalized from sub-workflow
// loading to top-level playbook discovery plus child-playbook composition.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tombee/catalyst/pkg/action"
	catalysterrors "github.com/tombee/catalyst/pkg/errors"
	"github.com/tombee/catalyst/pkg/playbook"
)

// DefaultMaxRecursionDepth bounds nested child-playbook composition.
const DefaultMaxRecursionDepth = 10

// Loader resolves a playbook id to its source bytes. Multiple loaders
// can be chained (e.g. filesystem, then a remote source); each declares
// which ids it supports.
type Loader interface {
	Name() string
	Supports(id string) bool
	Load(id string) ([]byte, error)
}

// FileLoader resolves playbook ids to `{dir}/{id}.yaml` (or `.yml`).
type FileLoader struct {
	dir string
}

// NewFileLoader creates a FileLoader rooted at dir.
func NewFileLoader(dir string) *FileLoader {
	return &FileLoader{dir: dir}
}

// Name identifies this loader in the chain.
func (l *FileLoader) Name() string { return "file:" + l.dir }

// Supports reports whether a {id}.yaml or {id}.yml file exists under dir.
func (l *FileLoader) Supports(id string) bool {
	_, path, err := l.resolve(id)
	return err == nil && path != ""
}

// Load reads and returns the playbook's raw YAML bytes.
func (l *FileLoader) Load(id string) ([]byte, error) {
	path, _, err := l.resolve(id)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

func (l *FileLoader) resolve(id string) (string, string, error) {
	for _, ext := range []string{".yaml", ".yml"} {
		path := filepath.Join(l.dir, id+ext)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, path, nil
		}
	}
	return "", "", catalysterrors.Newf(catalysterrors.CodePlaybookNotFound, "no playbook file for id %q under %s", id, l.dir)
}

type cacheEntry struct {
	pb      *playbook.Playbook
	modTime time.Time
	path    string
}

// ActionFactoryRecord describes one registered action: how to construct
// its runtime handler and what shape of step configuration it expects.
type ActionFactoryRecord struct {
	Name                 string
	PrimaryProperty      string
	NestedStepProperties []string
	NeedsStepExecutor    bool
	Action               action.Action
}

// Registry resolves playbook ids through an ordered loader chain,
// caches parsed playbooks with mtime invalidation, and catalogs
// registered actions by name.
type Registry struct {
	mu      sync.RWMutex
	loaders []Loader
	cache   map[string]*cacheEntry
	actions map[string]*ActionFactoryRecord
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		cache:   make(map[string]*cacheEntry),
		actions: make(map[string]*ActionFactoryRecord),
	}
}

// AddLoader appends a Loader to the chain. Loaders are tried in the
// order added; the first that Supports(id) wins.
func (r *Registry) AddLoader(l Loader) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.loaders {
		if existing.Name() == l.Name() {
			return catalysterrors.Newf(catalysterrors.CodeDuplicateLoaderName, "loader %q already registered", l.Name())
		}
	}
	r.loaders = append(r.loaders, l)
	return nil
}

// RegisterAction adds an action factory record to the catalog.
func (r *Registry) RegisterAction(rec *ActionFactoryRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec.Name == "" {
		return catalysterrors.New(catalysterrors.CodeInvalidActionName, "action name cannot be empty")
	}
	if _, exists := r.actions[rec.Name]; exists {
		return catalysterrors.Newf(catalysterrors.CodeDuplicateAction, "action %q already registered", rec.Name)
	}
	r.actions[rec.Name] = rec
	return nil
}

// LookupAction returns the registered factory record for name.
func (r *Registry) LookupAction(name string) (*ActionFactoryRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.actions[name]
	if !ok {
		return nil, catalysterrors.Newf(catalysterrors.CodeActionNotFound, "action %q is not registered", name)
	}
	return rec, nil
}

// Resolve loads and parses the playbook for id, walking the loader
// chain, using the mtime-validated cache where possible, and detecting
// circular references via callStack before the second entry of the same
// id onto the stack, and exceeding depth beyond maxDepth (0 uses
// DefaultMaxRecursionDepth).
func (r *Registry) Resolve(id string, callStack []string, maxDepth int) (*playbook.Playbook, error) {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxRecursionDepth
	}

	for _, seen := range callStack {
		if seen == id {
			return nil, catalysterrors.Newf(catalysterrors.CodeCircularReferenceDetected,
				"circular playbook reference: %s -> %s", formatCallStack(callStack), id)
		}
	}
	if len(callStack) >= maxDepth {
		return nil, catalysterrors.Newf(catalysterrors.CodeMaxRecursionDepthExceeded,
			"maximum recursion depth (%d) exceeded loading %s", maxDepth, id)
	}

	loader, path := r.findLoader(id)
	if loader == nil {
		return nil, catalysterrors.Newf(catalysterrors.CodePlaybookNotFound, "no loader supports playbook id %q", id)
	}

	if cached := r.fromCache(id, path); cached != nil {
		return cached, nil
	}

	data, err := loader.Load(id)
	if err != nil {
		return nil, catalysterrors.Wrap(catalysterrors.CodePlaybookNotFound, err, fmt.Sprintf("failed to load playbook %q", id))
	}

	pb, err := playbook.Parse(data)
	if err != nil {
		return nil, err
	}

	r.storeInCache(id, path, pb)
	return pb, nil
}

func (r *Registry) findLoader(id string) (Loader, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, l := range r.loaders {
		if l.Supports(id) {
			if fl, ok := l.(*FileLoader); ok {
				path, _, _ := fl.resolve(id)
				return l, path
			}
			return l, ""
		}
	}
	return nil, ""
}

func (r *Registry) fromCache(id, path string) *playbook.Playbook {
	if path == "" {
		return nil
	}
	r.mu.RLock()
	entry, ok := r.cache[id]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	info, err := os.Stat(path)
	if err != nil || !info.ModTime().Equal(entry.modTime) {
		r.mu.Lock()
		delete(r.cache, id)
		r.mu.Unlock()
		return nil
	}
	return entry.pb
}

func (r *Registry) storeInCache(id, path string, pb *playbook.Playbook) {
	if path == "" {
		return
	}
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[id] = &cacheEntry{pb: pb, modTime: info.ModTime(), path: path}
}

// InvalidateCache drops all cached playbooks, forcing the next Resolve
// to re-read and re-parse from the loader chain.
func (r *Registry) InvalidateCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]*cacheEntry)
}

func formatCallStack(stack []string) string {
	if len(stack) == 0 {
		return ""
	}
	result := stack[0]
	for _, s := range stack[1:] {
		result += " -> " + s
	}
	return result
}
