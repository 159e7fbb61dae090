package track

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// -------------------------------------------------------------------------
// Nickname Registry
// -------------------------------------------------------------------------

// nicknameHeader versions the persisted nickname file.
const nicknameHeader = "# gotrack nicknames v1"

// ErrBadNicknameLine indicates a persisted nickname line that does not
// parse.
var ErrBadNicknameLine = errors.New("malformed nickname line")

// NicknameEntry is one device id to name mapping, for listings.
type NicknameEntry struct {
	DeviceID uint32
	Name     string
}

// NicknameRegistry maps device ids to operator-assigned names. Names
// appear in device listings and notifications. The registry persists to
// a single text file under the database directory.
type NicknameRegistry struct {
	path string

	mu    sync.RWMutex
	names map[uint32]string
}

// NewNicknameRegistry creates an empty registry persisting to path.
func NewNicknameRegistry(path string) *NicknameRegistry {
	return &NicknameRegistry{
		path:  path,
		names: make(map[uint32]string),
	}
}

// Get returns the nickname for a device id.
func (r *NicknameRegistry) Get(devid uint32) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	name, ok := r.names[devid]
	return name, ok
}

// Set assigns a nickname. CR and LF are stripped so the persisted
// format stays one entry per line.
func (r *NicknameRegistry) Set(devid uint32, name string) {
	name = strings.TrimSpace(strings.NewReplacer("\r", "", "\n", "").Replace(name))

	r.mu.Lock()
	defer r.mu.Unlock()
	r.names[devid] = name
}

// Delete removes a nickname and reports whether one existed.
func (r *NicknameRegistry) Delete(devid uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.names[devid]
	delete(r.names, devid)
	return ok
}

// All returns every entry ordered by device id.
func (r *NicknameRegistry) All() []NicknameEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]NicknameEntry, 0, len(r.names))
	for devid, name := range r.names {
		entries = append(entries, NicknameEntry{DeviceID: devid, Name: name})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].DeviceID < entries[j].DeviceID
	})
	return entries
}

// Load reads the persisted registry. A missing file leaves the
// registry empty and is not an error.
func (r *NicknameRegistry) Load() error {
	f, err := os.Open(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load nicknames: %w", err)
	}
	defer f.Close()

	names := make(map[uint32]string)

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		idStr, name, ok := strings.Cut(line, " ")
		if !ok {
			return fmt.Errorf("load nicknames: %q: %w", line, ErrBadNicknameLine)
		}
		devid, err := strconv.ParseUint(idStr, 10, 32)
		if err != nil {
			return fmt.Errorf("load nicknames: %q: %w", line, ErrBadNicknameLine)
		}
		names[uint32(devid)] = strings.TrimSpace(name)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("load nicknames: %w", err)
	}

	r.mu.Lock()
	r.names = names
	r.mu.Unlock()
	return nil
}

// Save writes the registry through a temporary file and rename, so a
// crash mid-write never truncates the previous state.
func (r *NicknameRegistry) Save() error {
	var b strings.Builder
	b.WriteString(nicknameHeader)
	b.WriteString("\n")
	for _, e := range r.All() {
		fmt.Fprintf(&b, "%d %s\n", e.DeviceID, e.Name)
	}

	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("save nicknames: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("save nicknames: %w", err)
	}
	return nil
}
