// Package store is the durable key-value storage behind tabkeeper's settings.
//
// Values live in a single YAML file. The daemon and the control panel open the
// same file; the daemon watches it so edits made by the panel (or by hand) reach
// subscribers as change notifications carrying old/new value pairs.
package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Values is a batch of named values. Only scalars (bool, int, string) are expected.
type Values map[string]any

// Change is the old/new pair for one key. A nil Old means the key was absent,
// a nil New means it was removed.
type Change struct {
	Old any
	New any
}

// Changes maps keys to their change.
type Changes map[string]Change

type subscriber struct {
	id int
	fn func(Changes)
}

type Store struct {
	path string
	log  zerolog.Logger

	mu      sync.Mutex
	values  Values
	subs    []subscriber
	nextSub int
}

// Open loads the store at path. created is true when no file exists yet, which
// callers treat as a fresh installation. The file is not written until Set.
func Open(path string, log zerolog.Logger) (s *Store, created bool, err error) {
	s = &Store{
		path:   path,
		log:    log.With().Str("component", "store").Logger(),
		values: Values{},
	}
	values, err := readFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, true, nil
	}
	if err != nil {
		return nil, false, err
	}
	s.values = values
	return s, false, nil
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Get returns the requested keys. Absent keys are omitted; with no keys every
// value is returned.
func (s *Store) Get(keys ...string) Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := Values{}
	if len(keys) == 0 {
		for k, v := range s.values {
			out[k] = v
		}
		return out
	}
	for _, k := range keys {
		if v, ok := s.values[k]; ok {
			out[k] = v
		}
	}
	return out
}

// Set writes a batch of values. The file on disk is re-read first so values
// written by another process are not clobbered; every difference against the
// cached view (including ones picked up from disk) is reported to subscribers.
func (s *Store) Set(values Values) error {
	s.mu.Lock()
	base, err := readFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		base = s.values.clone()
	} else if err != nil {
		s.mu.Unlock()
		return err
	}
	for k, v := range values {
		base[k] = v
	}
	if err := writeFile(s.path, base); err != nil {
		s.mu.Unlock()
		return err
	}
	changes := diff(s.values, base)
	s.values = base
	subs := append([]subscriber(nil), s.subs...)
	s.mu.Unlock()

	notify(subs, changes)
	return nil
}

// Reload re-reads the file and notifies subscribers of any difference. A missing
// file keeps the cached values.
func (s *Store) Reload() error {
	values, err := readFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	s.mu.Lock()
	changes := diff(s.values, values)
	s.values = values
	subs := append([]subscriber(nil), s.subs...)
	s.mu.Unlock()

	notify(subs, changes)
	return nil
}

// Subscribe registers fn for change notifications and returns a cancel func.
// fn runs on the goroutine that observed the change and must not call Set.
func (s *Store) Subscribe(fn func(Changes)) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs = append(s.subs, subscriber{id: id, fn: fn})
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, sub := range s.subs {
			if sub.id == id {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				return
			}
		}
	}
}

// Watch follows external edits to the file until ctx is done.
func (s *Store) Watch(ctx context.Context) error {
	w, err := s.startWatcher()
	if err != nil {
		return err
	}
	s.watchLoop(ctx, w)
	return nil
}

// startWatcher watches the parent directory: writes land via rename, which
// replaces the inode a file watch would be attached to.
func (s *Store) startWatcher() (*fsnotify.Watcher, error) {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create store dir %s: %w", dir, err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	return w, nil
}

func (s *Store) watchLoop(ctx context.Context, w *fsnotify.Watcher) {
	defer w.Close()
	target := filepath.Clean(s.path)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := s.Reload(); err != nil {
				s.log.Error().Err(err).Msg("reload after file change failed")
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			s.log.Error().Err(err).Msg("watcher error")
		}
	}
}

func readFile(path string) (Values, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to read store file: %w", err)
	}
	values := Values{}
	if err := yaml.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("failed to parse yaml: %w", err)
	}
	return values, nil
}

func writeFile(path string, values Values) error {
	data, err := yaml.Marshal(values)
	if err != nil {
		return fmt.Errorf("failed to marshal store: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create store dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".settings-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write store file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write store file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace store file: %w", err)
	}
	return nil
}

func (v Values) clone() Values {
	out := make(Values, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

func diff(old, next Values) Changes {
	changes := Changes{}
	for k, v := range next {
		prev, had := old[k]
		if !had || !reflect.DeepEqual(prev, v) {
			changes[k] = Change{Old: prev, New: v}
		}
	}
	for k, prev := range old {
		if _, ok := next[k]; !ok {
			changes[k] = Change{Old: prev}
		}
	}
	return changes
}

func notify(subs []subscriber, changes Changes) {
	if len(changes) == 0 {
		return
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].id < subs[j].id })
	for _, sub := range subs {
		sub.fn(changes)
	}
}
