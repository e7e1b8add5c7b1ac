// Package configstore reads and writes the host's INI configuration file.
package configstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/ini.v1"
)

const (
	SectionGeoIP2  = "GeoIP2"
	KeyDbipMmdbURL = "dbipMmdbUrl"
)

// loadOptions match how the host parses its config.ini.php: repeated
// "Plugins[]" keys, and ";" or "#" inside quoted values.
var loadOptions = ini.LoadOptions{
	Loose:                     true,
	AllowShadows:              true,
	IgnoreInlineComment:       true,
	UnescapeValueDoubleQuotes: true,
}

// INIStore is a section/key store backed by one INI file. The file is
// re-read on every call so edits made by the host are picked up.
//
// Writes only touch the line holding the target key. Everything else in the
// file, comments and ordering included, is kept byte for byte.
type INIStore struct {
	mu   sync.Mutex
	path string
}

func NewINIStore(path string) *INIStore {
	return &INIStore{path: path}
}

func (s *INIStore) load() (*ini.File, error) {
	f, err := ini.LoadSources(loadOptions, s.path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", s.path, err)
	}
	return f, nil
}

func lookup(f *ini.File, section, key string) (string, bool) {
	sec, err := f.GetSection(section)
	if err != nil || !sec.HasKey(key) {
		return "", false
	}
	return sec.Key(key).String(), true
}

// Read returns the value of key in section and whether it exists.
func (s *INIStore) Read(_ context.Context, section, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return "", false, err
	}
	v, ok := lookup(f, section, key)
	return v, ok, nil
}

// Write sets key in section, creating either if missing, and replaces the
// file atomically. The value is stored double-quoted.
func (s *INIStore) Write(_ context.Context, section, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.readRaw()
	if err != nil {
		return err
	}
	return s.set(data, section, key, value)
}

// Ensure creates key in section with an empty value if it does not exist.
// It reports whether the key was created.
func (s *INIStore) Ensure(_ context.Context, section, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.readRaw()
	if err != nil {
		return false, err
	}
	f, err := ini.LoadSources(loadOptions, data)
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", s.path, err)
	}
	if _, ok := lookup(f, section, key); ok {
		return false, nil
	}
	if err := s.set(data, section, key, ""); err != nil {
		return false, err
	}
	return true, nil
}

// Check verifies the file can be parsed. A missing file is healthy; it is
// created on the first write.
func (s *INIStore) Check(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	_, err := s.load()
	return err
}

func (s *INIStore) readRaw() ([]byte, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}
	return data, nil
}

func (s *INIStore) set(data []byte, section, key, value string) error {
	if strings.ContainsAny(value, "\"\r\n") {
		return fmt.Errorf("value for %s.%s contains a quote or line break", section, key)
	}
	out := setKey(data, section, key, value)

	f, err := ini.LoadSources(loadOptions, out)
	if err != nil {
		return fmt.Errorf("parse edited %s: %w", s.path, err)
	}
	if got, ok := lookup(f, section, key); !ok || got != value {
		return fmt.Errorf("edited %s reads back %s.%s = %q", s.path, section, key, got)
	}
	return s.save(out)
}

// setKey returns data with every "key = ..." line of section replaced by
// key = "value". A missing key is added after the section's last non-blank
// line and a missing section is appended to the end.
func setKey(data []byte, section, key, value string) []byte {
	eol := "\n"
	if strings.Contains(string(data), "\r\n") {
		eol = "\r\n"
	}
	entry := key + ` = "` + value + `"`

	lines := strings.SplitAfter(string(data), "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}

	var (
		inSection bool
		found     bool
		last      = -1
	)
	for i, line := range lines {
		body := strings.TrimRight(line, "\r\n")
		trimmed := strings.TrimSpace(body)
		if name, ok := sectionName(trimmed); ok {
			inSection = name == section
			if inSection {
				last = i
			}
			continue
		}
		if !inSection || trimmed == "" {
			continue
		}
		last = i
		if k, ok := keyName(trimmed); ok && k == key {
			lines[i] = entry + line[len(body):]
			found = true
		}
	}
	if found {
		return []byte(strings.Join(lines, ""))
	}

	if last >= 0 {
		if !strings.HasSuffix(lines[last], "\n") {
			lines[last] += eol
		}
		rest := append([]string{entry + eol}, lines[last+1:]...)
		lines = append(lines[:last+1], rest...)
		return []byte(strings.Join(lines, ""))
	}

	var b strings.Builder
	b.WriteString(strings.Join(lines, ""))
	if b.Len() > 0 {
		if !strings.HasSuffix(b.String(), "\n") {
			b.WriteString(eol)
		}
		b.WriteString(eol)
	}
	b.WriteString("[" + section + "]" + eol)
	b.WriteString(entry + eol)
	return []byte(b.String())
}

func sectionName(line string) (string, bool) {
	if len(line) < 2 || line[0] != '[' {
		return "", false
	}
	end := strings.IndexByte(line, ']')
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(line[1:end]), true
}

func keyName(line string) (string, bool) {
	if line[0] == ';' || line[0] == '#' {
		return "", false
	}
	eq := strings.IndexByte(line, '=')
	if eq <= 0 {
		return "", false
	}
	return strings.TrimSpace(line[:eq]), true
}

// save replaces the file through a temporary file in the same directory,
// keeping the permissions of the file it replaces.
func (s *INIStore) save(data []byte) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	mode := fs.FileMode(0644)
	if fi, err := os.Stat(s.path); err == nil {
		mode = fi.Mode().Perm()
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("write %s: %w", s.path, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace %s: %w", s.path, err)
	}
	return nil
}
