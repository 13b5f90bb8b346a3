package phone

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"pkt.systems/pslog"
	"pkt.systems/rcswitch/internal/loggingutil"
)

// Aliases maps phone ids used by secondary dual-connectivity aliases onto the
// primary phone index that physically backs them. Ids without an entry map
// to themselves. Static entries come from configuration; entries loaded from
// an alias file override them and are replaced wholesale on every reload.
type Aliases struct {
	static  map[int]int
	current atomic.Pointer[map[int]int]
}

// NewAliases constructs an alias map from static entries.
func NewAliases(static map[int]int) *Aliases {
	a := &Aliases{static: maps.Clone(static)}
	if a.static == nil {
		a.static = map[int]int{}
	}
	a.Replace(nil)
	return a
}

// Resolve maps an inbound phone id to the index it should be tracked under.
func (a *Aliases) Resolve(id int) int {
	if a == nil {
		return id
	}
	m := a.current.Load()
	if m == nil {
		return id
	}
	if target, ok := (*m)[id]; ok {
		return target
	}
	return id
}

// Replace swaps the file-sourced layer. Static entries are kept unless
// overridden.
func (a *Aliases) Replace(fromFile map[int]int) {
	merged := maps.Clone(a.static)
	maps.Copy(merged, fromFile)
	a.current.Store(&merged)
}

// Snapshot returns a copy of the effective mapping.
func (a *Aliases) Snapshot() map[int]int {
	m := a.current.Load()
	if m == nil {
		return map[int]int{}
	}
	return maps.Clone(*m)
}

// Validate checks that every alias targets a phone index in [0, phones).
func (a *Aliases) Validate(phones int) error {
	for from, to := range a.Snapshot() {
		if to < 0 || to >= phones {
			return fmt.Errorf("phone: alias %d targets phone %d outside [0,%d)", from, to, phones)
		}
	}
	return nil
}

// ParseAliases parses "from=to" pairs such as "10=0".
func ParseAliases(specs []string) (map[int]int, error) {
	out := make(map[int]int, len(specs))
	for _, spec := range specs {
		spec = strings.TrimSpace(spec)
		if spec == "" {
			continue
		}
		fromRaw, toRaw, ok := strings.Cut(spec, "=")
		if !ok {
			return nil, fmt.Errorf("phone: alias %q must be from=to", spec)
		}
		from, err := strconv.Atoi(strings.TrimSpace(fromRaw))
		if err != nil {
			return nil, fmt.Errorf("phone: alias %q: %w", spec, err)
		}
		to, err := strconv.Atoi(strings.TrimSpace(toRaw))
		if err != nil {
			return nil, fmt.Errorf("phone: alias %q: %w", spec, err)
		}
		out[from] = to
	}
	return out, nil
}

type aliasFile struct {
	Aliases map[int]int `yaml:"aliases"`
}

// LoadAliasFile reads a YAML document of the form:
//
//	aliases:
//	  10: 0
func LoadAliasFile(path string) (map[int]int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("phone: read alias file: %w", err)
	}
	var doc aliasFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("phone: parse alias file %q: %w", path, err)
	}
	if doc.Aliases == nil {
		doc.Aliases = map[int]int{}
	}
	return doc.Aliases, nil
}

// WatchFile loads path into the alias map and reloads it whenever the file is
// written, created or renamed into place, until ctx is done. The parent
// directory is watched so editors that replace the file atomically are
// picked up. A file that fails to parse leaves the previous mapping active.
func (a *Aliases) WatchFile(ctx context.Context, path string, phones int, logger pslog.Logger) error {
	logger = loggingutil.EnsureLogger(logger)
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("phone: resolve alias file: %w", err)
	}
	if err := a.reload(abs, phones); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("phone: create alias watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return fmt.Errorf("phone: watch alias directory: %w", err)
	}
	logger.Info("rcswitch.alias.watch.start", "path", abs, "aliases", len(a.Snapshot()))
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if err := a.reload(abs, phones); err != nil {
					if errors.Is(err, os.ErrNotExist) {
						continue
					}
					logger.Warn("rcswitch.alias.reload.failed", "path", abs, "error", err)
					continue
				}
				logger.Info("rcswitch.alias.reloaded", "path", abs, "aliases", len(a.Snapshot()))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("rcswitch.alias.watch.error", "path", abs, "error", err)
			}
		}
	}()
	return nil
}

func (a *Aliases) reload(path string, phones int) error {
	fromFile, err := LoadAliasFile(path)
	if err != nil {
		return err
	}
	candidate := NewAliases(a.static)
	candidate.Replace(fromFile)
	if err := candidate.Validate(phones); err != nil {
		return err
	}
	a.Replace(fromFile)
	return nil
}
