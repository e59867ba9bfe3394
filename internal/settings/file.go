// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloFlow Contributors

package settings

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/samber/oops"
)

const lockRetry = 50 * time.Millisecond

// FileStore keeps settings in one JSON document. A sibling .lock file
// serializes access between processes sharing the file.
type FileStore struct {
	path string
	lock *flock.Flock
}

// NewFileStore creates a FileStore backed by path. The parent directory is
// created if needed.
func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, oops.In("settings").With("path", path).Wrapf(err, "create settings directory")
	}
	return &FileStore{
		path: path,
		lock: flock.New(path + ".lock"),
	}, nil
}

// Path returns the settings file path.
func (s *FileStore) Path() string { return s.path }

// Available implements Store.
func (s *FileStore) Available() bool { return true }

// Get implements Store.
func (s *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	errb := oops.In("settings").Code("SETTINGS_READ_FAILED").With("path", s.path).With("key", key)

	ok, err := s.lock.TryRLockContext(ctx, lockRetry)
	if err != nil || !ok {
		return nil, errb.Wrapf(lockErr(err), "lock settings")
	}
	defer func() { _ = s.lock.Unlock() }()

	doc, err := s.read()
	if err != nil {
		return nil, errb.Wrap(err)
	}
	v, ok := doc[key]
	if !ok {
		return nil, nil
	}
	return v, nil
}

// Set implements Store. The document is rewritten through a temporary file
// and renamed into place.
func (s *FileStore) Set(ctx context.Context, key string, value []byte) error {
	errb := oops.In("settings").Code("SETTINGS_WRITE_FAILED").With("path", s.path).With("key", key)

	if !json.Valid(value) {
		return errb.Errorf("value for %s is not valid JSON", key)
	}

	ok, err := s.lock.TryLockContext(ctx, lockRetry)
	if err != nil || !ok {
		return errb.Wrapf(lockErr(err), "lock settings")
	}
	defer func() { _ = s.lock.Unlock() }()

	doc, err := s.read()
	if err != nil {
		return errb.Wrap(err)
	}
	doc[key] = json.RawMessage(value)

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return errb.Wrap(err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*")
	if err != nil {
		return errb.Wrap(err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return errb.Wrap(err)
	}
	if err := tmp.Close(); err != nil {
		return errb.Wrap(err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return errb.Wrap(err)
	}
	return nil
}

func (s *FileStore) read() (map[string]json.RawMessage, error) {
	doc := make(map[string]json.RawMessage)
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func lockErr(err error) error {
	if err != nil {
		return err
	}
	return errors.New("settings file is locked")
}
