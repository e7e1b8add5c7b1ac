package settings

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"github.com/spf13/viper"
)

const fileKeyPrefix = "dbipupdater."

// FileStore keeps settings in a YAML file managed through viper. Keys are
// case-insensitive on disk.
type FileStore struct {
	mu   sync.Mutex
	path string
	v    *viper.Viper
}

// NewFileStore loads path if it exists. A missing file is created on the
// first Set.
func NewFileStore(path string) (*FileStore, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read settings file %s: %w", path, err)
			}
		}
	}

	return &FileStore{path: path, v: v}, nil
}

func (s *FileStore) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *FileStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := fileKeyPrefix + key
	if !s.v.IsSet(k) {
		return "", false, nil
	}
	return s.v.GetString(k), true, nil
}

func (s *FileStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.v.Set(fileKeyPrefix+key, value)
	return s.v.WriteConfigAs(s.path)
}
