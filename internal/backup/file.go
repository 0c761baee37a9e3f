package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

type fileCacheState struct {
	Entries []Entry `json:"entries"`
}

// FileCache keeps entries in memory and mirrors them to a JSON file. Other
// processes sharing the file are picked up through a directory watch.
type FileCache struct {
	path   string
	mem    *MemoryCache
	logger *zerolog.Logger

	writeMu     sync.Mutex
	lastWritten []byte
	watcher     *fsnotify.Watcher
	done        chan struct{}
	once        sync.Once
}

func NewFileCache(path string, policy Policy, logger *zerolog.Logger) (*FileCache, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	c := &FileCache{
		path:   filepath.Clean(path),
		mem:    NewMemoryCache(policy),
		logger: logger,
		done:   make(chan struct{}),
	}
	if err := c.load(); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(c.path)); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	c.watcher = watcher
	go c.watch()
	return c, nil
}

func (c *FileCache) Get(ctx context.Context, messageID string) (Entry, bool, error) {
	return c.mem.Get(ctx, messageID)
}

// Put and Delete hold writeMu across the memory update and the file write
// so a reload cannot swap in a file that predates the change.
func (c *FileCache) Put(ctx context.Context, entry Entry) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.mem.Put(ctx, entry); err != nil {
		return err
	}
	return c.saveLocked()
}

func (c *FileCache) Delete(ctx context.Context, messageID string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.mem.Delete(ctx, messageID); err != nil {
		return err
	}
	return c.saveLocked()
}

func (c *FileCache) Len(ctx context.Context) (int, error) {
	return c.mem.Len(ctx)
}

func (c *FileCache) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		if c.watcher != nil {
			err = c.watcher.Close()
		}
	})
	return err
}

func (c *FileCache) watch() {
	for {
		select {
		case <-c.done:
			return
		case event, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != c.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := c.load(); err != nil {
				c.logger.Warn().Err(err).Str("path", c.path).Msg("reload attachment backups failed")
			}
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.logger.Warn().Err(err).Str("path", c.path).Msg("attachment backup watch error")
		}
	}
}

func (c *FileCache) load() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	data, err := os.ReadFile(c.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if len(data) == 0 || bytes.Equal(data, c.lastWritten) {
		return nil
	}
	var state fileCacheState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	c.mem.replace(state.Entries)
	return nil
}

func (c *FileCache) saveLocked() error {
	data, err := json.Marshal(fileCacheState{Entries: c.mem.snapshot()})
	if err != nil {
		return err
	}
	if err := writeFileAtomic(c.path, data, 0o600); err != nil {
		return err
	}
	c.lastWritten = data
	return nil
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
