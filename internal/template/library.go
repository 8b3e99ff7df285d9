package template

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// ErrNotFound is returned when no template matches the requested id or version.
var ErrNotFound = errors.New("template not found")

type catalog struct {
	byKey  map[Key]*Template
	latest map[string]*Template
}

func newCatalog() *catalog {
	return &catalog{byKey: make(map[Key]*Template), latest: make(map[string]*Template)}
}

func (c *catalog) add(t *Template) {
	c.byKey[t.Key()] = t
	if cur, ok := c.latest[t.ID]; !ok || t.Version > cur.Version {
		c.latest[t.ID] = t
	}
}

// Library is the in-memory catalog. Reads are lock-free; Reload swaps the
// whole catalog atomically, so in-flight callers keep the values they got.
type Library struct {
	fsys fs.FS
	dir  string
	log  logrus.FieldLogger

	reloadMu sync.Mutex
	cur      atomic.Pointer[catalog]
}

// Open loads the catalog rooted at dir. The directory can be watched.
func Open(dir string, log logrus.FieldLogger) (*Library, error) {
	l, err := New(os.DirFS(dir), log)
	if err != nil {
		return nil, err
	}
	l.dir = dir
	return l, nil
}

// New loads the catalog from fsys.
func New(fsys fs.FS, log logrus.FieldLogger) (*Library, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	l := &Library{fsys: fsys, log: log.WithField("component", "templates")}
	l.cur.Store(newCatalog())
	if _, err := l.Reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// NewStatic builds a library from already-parsed templates. It cannot reload.
func NewStatic(templates ...*Template) (*Library, error) {
	c := newCatalog()
	for _, t := range templates {
		if _, dup := c.byKey[t.Key()]; dup {
			return nil, fmt.Errorf("duplicate template %s", t.Key())
		}
		c.add(t)
	}
	l := &Library{log: logrus.StandardLogger().WithField("component", "templates")}
	l.cur.Store(c)
	return l, nil
}

// Get returns the exact (id, version).
func (l *Library) Get(id string, version int) (*Template, error) {
	t, ok := l.cur.Load().byKey[Key{ID: id, Version: version}]
	if !ok {
		return nil, fmt.Errorf("%w: %s@%d", ErrNotFound, id, version)
	}
	return t, nil
}

// Latest returns the highest version of id.
func (l *Library) Latest(id string) (*Template, error) {
	t, ok := l.cur.Load().latest[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t, nil
}

// List returns every version's summary, sorted by id then version.
func (l *Library) List() []Summary {
	c := l.cur.Load()
	out := make([]Summary, 0, len(c.byKey))
	for _, t := range c.byKey {
		out = append(out, t.Summary())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return out[i].Version < out[j].Version
	})
	return out
}

// Summaries returns only the latest version of each template, which is what
// the planner is offered.
func (l *Library) Summaries() []Summary {
	c := l.cur.Load()
	out := make([]Summary, 0, len(c.latest))
	for _, t := range c.latest {
		out = append(out, t.Summary())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ReloadResult reports what a reload changed.
type ReloadResult struct {
	Added    []Key `json:"added"`
	Retained int   `json:"retained"`
	Total    int   `json:"total"`
}

// Reload re-reads the source and merges it into the current catalog.
// Versions missing from disk stay resolvable. A known (id, version) whose
// content changed fails the whole reload and leaves the catalog unchanged.
func (l *Library) Reload() (*ReloadResult, error) {
	if l.fsys == nil {
		return nil, fmt.Errorf("reload templates: library has no source")
	}
	l.reloadMu.Lock()
	defer l.reloadMu.Unlock()

	loaded, err := LoadFS(l.fsys)
	if err != nil {
		return nil, fmt.Errorf("reload templates: %w", err)
	}

	old := l.cur.Load()
	next := newCatalog()
	for _, t := range old.byKey {
		next.add(t)
	}
	res := &ReloadResult{}
	for _, t := range loaded {
		prev, ok := old.byKey[t.Key()]
		if ok {
			if prev.Fingerprint != t.Fingerprint {
				return nil, fmt.Errorf("reload templates: %s changed in place (%s); publish a new version instead", t.Key(), t.Source)
			}
			res.Retained++
			continue
		}
		next.add(t)
		res.Added = append(res.Added, t.Key())
	}
	res.Total = len(next.byKey)
	l.cur.Store(next)

	l.log.WithFields(logrus.Fields{
		"added": len(res.Added),
		"total": res.Total,
	}).Info("template catalog loaded")
	return res, nil
}
