package guard

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/helpme/helpme/pkg/observability"
)

// Policy is the side table mapping route names to requirements. Entries
// registered in code are the defaults; an override file may replace any of
// them by name. A name with no entry is denied.
type Policy struct {
	mu        sync.RWMutex
	defaults  map[string]Requirement
	overrides map[string]Requirement
}

// policyFile is the on-disk override format:
//
//	routes:
//	  alerts.list:
//	    courseRoles: [student, ta, professor]
type policyFile struct {
	Routes map[string]Requirement `yaml:"routes"`
}

// NewPolicy creates an empty policy
func NewPolicy() *Policy {
	return &Policy{
		defaults:  make(map[string]Requirement),
		overrides: make(map[string]Requirement),
	}
}

// Register sets the default requirement of a route
func (p *Policy) Register(name string, req Requirement) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.defaults[name] = req
}

// Lookup returns the effective requirement of a route
func (p *Policy) Lookup(name string) (Requirement, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if req, ok := p.overrides[name]; ok {
		return req, true
	}
	req, ok := p.defaults[name]
	return req, ok
}

// Names lists every route with an effective requirement
func (p *Policy) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	seen := make(map[string]struct{}, len(p.defaults)+len(p.overrides))
	for name := range p.defaults {
		seen[name] = struct{}{}
	}
	for name := range p.overrides {
		seen[name] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LoadFile replaces the overrides with the contents of path. On any error
// the previous overrides stay in effect.
func (p *Policy) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read policy file: %w", err)
	}
	overrides, err := parsePolicy(data)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.overrides = overrides
	p.mu.Unlock()
	return nil
}

func parsePolicy(data []byte) (map[string]Requirement, error) {
	var file policyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse policy file: %w", err)
	}
	overrides := make(map[string]Requirement, len(file.Routes))
	for name, req := range file.Routes {
		if !req.validate() {
			return nil, fmt.Errorf("policy for route %q names an unknown role", name)
		}
		overrides[name] = req
	}
	return overrides, nil
}

// Watch reloads path whenever it changes until ctx is done. The parent
// directory is watched so that editors which replace the file are seen.
func (p *Policy) Watch(ctx context.Context, path string, logger *observability.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		watcher.Close()
		return fmt.Errorf("failed to resolve policy path: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch policy directory: %w", err)
	}

	go func() {
		defer watcher.Close()
		log := logger.WithField("policy_file", abs)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := p.LoadFile(abs); err != nil {
					log.WithError(err).Warn("policy reload failed, keeping previous policy")
					continue
				}
				log.Info("policy reloaded")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("policy watcher error")
			}
		}
	}()

	return nil
}
