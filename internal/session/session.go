// Package session records where a download folder's playlist came from, so a later run can
// resume from the folder name alone.
package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// State is the per-folder record. It is written once and never replaced.
type State struct {
	URL          string `json:"url"`
	PlaylistName string `json:"m3u8_name"`
}

var (
	// ErrNoSource means neither a URL nor stored state is available for the folder.
	ErrNoSource = errors.New("session: no url given and no saved state for folder")
	// ErrExists is returned by Store.Put when the folder already has state.
	ErrExists = errors.New("session: state already exists")
)

// Store persists State keyed by download folder. Put must not replace existing state.
type Store interface {
	Get(ctx context.Context, folder string) (State, bool, error)
	Put(ctx context.Context, folder string, st State) error
}

// Resolve returns the folder's state. With a url and no saved state, new state is created with a
// playlist name of <unix-seconds>.m3u8. Saved state always wins over url, so a rerun with a
// different url continues the original download.
func Resolve(ctx context.Context, store Store, folder, url string) (State, error) {
	st, ok, err := store.Get(ctx, folder)
	if err != nil {
		return State{}, fmt.Errorf("session: read %s: %w", folder, err)
	}
	if ok {
		return st, nil
	}
	if url == "" {
		return State{}, ErrNoSource
	}
	st = State{URL: url, PlaylistName: strconv.FormatInt(time.Now().Unix(), 10) + ".m3u8"}
	if err := store.Put(ctx, folder, st); err != nil {
		if errors.Is(err, ErrExists) {
			return Resolve(ctx, store, folder, "")
		}
		return State{}, fmt.Errorf("session: write %s: %w", folder, err)
	}
	return st, nil
}
