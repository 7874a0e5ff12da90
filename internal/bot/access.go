package bot

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
)

// IDList is a set of Telegram user IDs persisted one integer per line.
// Every call re-reads the file so manual edits take effect immediately.
type IDList struct {
	mu   sync.Mutex
	path string
}

// OpenIDList creates the file empty when it does not exist yet.
func OpenIDList(path string) (*IDList, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open id list %s: %w", path, err)
	}
	f.Close()

	return &IDList{path: path}, nil
}

func (l *IDList) Path() string { return l.path }

// IDs returns the sorted members. Blank and non-numeric lines are skipped.
func (l *IDList) IDs() ([]int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.read()
}

func (l *IDList) Contains(id int64) bool {
	ids, err := l.IDs()
	if err != nil {
		return false
	}
	_, found := slices.BinarySearch(ids, id)
	return found
}

func (l *IDList) Len() int {
	ids, _ := l.IDs()
	return len(ids)
}

// Add inserts id and reports whether it was new.
func (l *IDList) Add(id int64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ids, err := l.read()
	if err != nil {
		return false, err
	}
	pos, found := slices.BinarySearch(ids, id)
	if found {
		return false, nil
	}
	return true, l.write(slices.Insert(ids, pos, id))
}

// Remove deletes id and reports whether it was present.
func (l *IDList) Remove(id int64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ids, err := l.read()
	if err != nil {
		return false, err
	}
	pos, found := slices.BinarySearch(ids, id)
	if !found {
		return false, nil
	}
	return true, l.write(slices.Delete(ids, pos, pos+1))
}

func (l *IDList) read() ([]int64, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var ids []int64
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		id, err := strconv.ParseInt(line, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	slices.Sort(ids)
	return slices.Compact(ids), nil
}

func (l *IDList) write(ids []int64) error {
	var b strings.Builder
	for _, id := range ids {
		b.WriteString(strconv.FormatInt(id, 10))
		b.WriteByte('\n')
	}

	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("write id list: %w", err)
	}
	return os.Rename(tmp, l.path)
}

// Access combines the admin and allowed-user lists.
type Access struct {
	Admins  *IDList
	Allowed *IDList
}

func NewAccess(adminPath, allowedPath string) (*Access, error) {
	admins, err := OpenIDList(adminPath)
	if err != nil {
		return nil, err
	}
	allowed, err := OpenIDList(allowedPath)
	if err != nil {
		return nil, err
	}
	return &Access{Admins: admins, Allowed: allowed}, nil
}

func (a *Access) IsAdmin(id int64) bool { return a.Admins.Contains(id) }

// HasAccess is true for admins and approved users.
func (a *Access) HasAccess(id int64) bool {
	return a.Admins.Contains(id) || a.Allowed.Contains(id)
}
