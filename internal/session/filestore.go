package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/snapetech/hlsfetch/internal/cache"
)

// FileStore keeps State in <folder>/base_info.json.
type FileStore struct{}

func (FileStore) Get(ctx context.Context, folder string) (State, bool, error) {
	b, err := os.ReadFile(cache.StatePath(folder))
	if errors.Is(err, fs.ErrNotExist) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, err
	}
	var st State
	if err := json.Unmarshal(b, &st); err != nil {
		return State{}, false, fmt.Errorf("parse %s: %w", cache.StateName, err)
	}
	return st, true, nil
}

func (FileStore) Put(ctx context.Context, folder string, st State) error {
	path := cache.StatePath(folder)
	if _, err := os.Stat(path); err == nil {
		return ErrExists
	}
	if err := os.MkdirAll(folder, 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(folder, ".base_info-*.json.tmp")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return err
	}
	// Link fails if another process created the file since the Stat above.
	if err := os.Link(name, path); err != nil {
		_ = os.Remove(name)
		if errors.Is(err, fs.ErrExist) {
			return ErrExists
		}
		return err
	}
	return os.Remove(name)
}
