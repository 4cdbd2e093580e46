package policy

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// File is the on-disk profile layout.
type File struct {
	Global   Profile            `yaml:"global"`
	Sessions map[string]Profile `yaml:"sessions,omitempty"`
}

// LoadFile reads and validates a profile file.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}

	if err := validateProfile(f.Global); err != nil {
		return nil, fmt.Errorf("global profile: %w", err)
	}
	for sessionID, p := range f.Sessions {
		if err := validateProfile(p); err != nil {
			return nil, fmt.Errorf("session %s profile: %w", sessionID, err)
		}
	}

	return &f, nil
}

// Apply installs the file's profiles into the engine.
func (f *File) Apply(e *Engine) {
	e.SetGlobalProfile(f.Global)
	for sessionID, p := range f.Sessions {
		e.SetSessionProfile(sessionID, p)
	}
}

func validateProfile(p Profile) error {
	if p.DefaultAction != "" && !ValidAction(p.DefaultAction) {
		return fmt.Errorf("invalid default action %q", p.DefaultAction)
	}
	for _, r := range p.Rules {
		if !ValidAction(r.Action) {
			return fmt.Errorf("rule %q: invalid action %q", r.SkillName, r.Action)
		}
	}
	return nil
}

// Watcher hot-reloads the profile file into an engine.
type Watcher struct {
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// Watch starts watching path and re-applies the file on every change. Invalid
// files are logged and skipped; the engine keeps its last good profiles.
func Watch(path string, e *Engine) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// Watch the directory: editors replace files rather than writing in place.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{watcher: fw, done: make(chan struct{})}
	target := filepath.Clean(path)

	go func() {
		for {
			select {
			case <-w.done:
				return
			case event, ok := <-fw.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}

				f, err := LoadFile(path)
				if err != nil {
					e.log.Error().Err(err).Str("path", path).Msg("policy reload failed")
					continue
				}
				f.Apply(e)
				e.log.Info().Str("path", path).Msg("policy profiles reloaded")
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				e.log.Error().Err(err).Msg("policy watcher error")
			}
		}
	}()

	return w, nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
