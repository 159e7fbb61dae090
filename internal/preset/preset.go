// Package preset loads named device-command sequences from a
// directory. One file per preset; the file name is the preset name.
//
// File format:
//
//	line 1                    short description
//	lines up to the first $   long description (free form)
//	remaining $ lines         one command template per line
//
// Command templates look like device commands without a tag,
// $NAME=arg1,arg2, and may contain [PIN] and [DEVID] placeholders
// expanded at execution time.
package preset

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Preset is one stored command sequence.
type Preset struct {
	// Name is the file name the preset was loaded from.
	Name string

	// Short is the one-line description.
	Short string

	// Long is the free-form description, possibly empty.
	Long string

	// Commands holds the raw $NAME=args template lines in file order.
	Commands []string
}

var (
	// ErrEmptyPreset indicates a preset file without a description line.
	ErrEmptyPreset = errors.New("empty preset file")

	// ErrNoCommands indicates a preset file without any $ command line.
	ErrNoCommands = errors.New("preset has no commands")

	// ErrStrayLine indicates a non-command line between command templates.
	ErrStrayLine = errors.New("stray line between preset commands")

	// ErrUnresolvedPlaceholder indicates a [NAME] placeholder with no
	// value supplied.
	ErrUnresolvedPlaceholder = errors.New("unresolved placeholder")
)

// Parse reads one preset file.
func Parse(name string, r io.Reader) (Preset, error) {
	p := Preset{Name: name}

	var longLines []string
	inCommands := false

	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimRight(sc.Text(), "\r")

		if lineNo == 1 {
			p.Short = strings.TrimSpace(line)
			continue
		}

		switch {
		case strings.HasPrefix(line, "$"):
			inCommands = true
			p.Commands = append(p.Commands, strings.TrimSpace(line))
		case !inCommands:
			longLines = append(longLines, line)
		case strings.TrimSpace(line) == "":
			// Blank lines between commands are fine.
		default:
			return Preset{}, fmt.Errorf("preset %s line %d: %w", name, lineNo, ErrStrayLine)
		}
	}
	if err := sc.Err(); err != nil {
		return Preset{}, fmt.Errorf("preset %s: %w", name, err)
	}

	if p.Short == "" {
		return Preset{}, fmt.Errorf("preset %s: %w", name, ErrEmptyPreset)
	}
	if len(p.Commands) == 0 {
		return Preset{}, fmt.Errorf("preset %s: %w", name, ErrNoCommands)
	}

	p.Long = strings.TrimSpace(strings.Join(longLines, "\n"))
	return p, nil
}

// placeholderRe matches [NAME] placeholders in command templates.
var placeholderRe = regexp.MustCompile(`\[([A-Z]+)\]`)

// Expand substitutes [NAME] placeholders from vars. A placeholder with
// no entry in vars is an error so a half-expanded command never reaches
// a device.
func Expand(template string, vars map[string]string) (string, error) {
	var missing string
	out := placeholderRe.ReplaceAllStringFunc(template, func(m string) string {
		key := m[1 : len(m)-1]
		if v, ok := vars[key]; ok {
			return v
		}
		if missing == "" {
			missing = m
		}
		return m
	})
	if missing != "" {
		return "", fmt.Errorf("expand %q: %s: %w", template, missing, ErrUnresolvedPlaceholder)
	}
	return out, nil
}

// -------------------------------------------------------------------------
// Registry
// -------------------------------------------------------------------------

// Registry holds the presets loaded from a directory and re-reads them
// on demand or on file change.
type Registry struct {
	dir    string
	logger *slog.Logger

	mu      sync.RWMutex
	presets map[string]Preset
}

// NewRegistry creates an empty registry over dir. Call Refresh to load.
func NewRegistry(dir string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		dir:     dir,
		logger:  logger.With(slog.String("component", "preset")),
		presets: make(map[string]Preset),
	}
}

// List returns all presets sorted by name.
func (r *Registry) List() []Preset {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Preset, 0, len(r.presets))
	for _, p := range r.presets {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns the named preset.
func (r *Registry) Get(name string) (Preset, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.presets[name]
	return p, ok
}

// Refresh re-reads the preset directory, replacing the loaded set.
// Unparseable files are logged and skipped. A missing directory yields
// an empty set.
func (r *Registry) Refresh() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			r.mu.Lock()
			r.presets = make(map[string]Preset)
			r.mu.Unlock()
			return nil
		}
		return fmt.Errorf("refresh presets: %w", err)
	}

	loaded := make(map[string]Preset, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}

		p, err := r.loadFile(e.Name())
		if err != nil {
			r.logger.Warn("skipping preset", slog.String("error", err.Error()))
			continue
		}
		loaded[p.Name] = p
	}

	r.mu.Lock()
	r.presets = loaded
	r.mu.Unlock()

	r.logger.Debug("presets loaded", slog.Int("count", len(loaded)))
	return nil
}

func (r *Registry) loadFile(name string) (Preset, error) {
	f, err := os.Open(filepath.Join(r.dir, name))
	if err != nil {
		return Preset{}, fmt.Errorf("preset %s: %w", name, err)
	}
	defer f.Close()

	return Parse(name, f)
}

// watchDebounce coalesces bursts of filesystem events into one refresh.
const watchDebounce = 500 * time.Millisecond

// Watch refreshes the registry whenever files under the preset
// directory change, until ctx is cancelled. The directory must exist
// for the watch to start.
func (r *Registry) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch presets: %w", err)
	}
	defer w.Close()

	if err := w.Add(r.dir); err != nil {
		return fmt.Errorf("watch presets: %w", err)
	}

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !ev.Op.Has(fsnotify.Create | fsnotify.Write | fsnotify.Remove | fsnotify.Rename) {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(watchDebounce)
			} else {
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
				debounce.Reset(watchDebounce)
			}
			fire = debounce.C

		case <-fire:
			fire = nil
			if err := r.Refresh(); err != nil {
				r.logger.Warn("preset refresh failed", slog.String("error", err.Error()))
			}

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("preset watch error", slog.String("error", err.Error()))
		}
	}
}
