// Package settings holds the plugin settings of the MMDB URL updater and
// the backends they can be persisted in.
package settings

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Setting names as stored by every backend.
const (
	KeyJSONURL           = "jsonUrl"
	KeyDetailedLogging   = "enableDetailedLogging"
	KeyConnectionTimeout = "connectionTimeout"
	KeyMaxRetries        = "maxRetries"
)

const (
	DefaultConnectionTimeout = 30
	DefaultMaxRetries        = 3

	// SeedJSONURL is written at install time so operators see where their
	// account specific link belongs.
	SeedJSONURL = "https://db-ip.com/account/changeme/db/ip-to-location/"
)

// Keys lists every setting in display order.
var Keys = []string{KeyJSONURL, KeyDetailedLogging, KeyConnectionTimeout, KeyMaxRetries}

// ErrInvalid is returned when a setting value fails validation.
var ErrInvalid = errors.New("invalid setting")

// Settings is one snapshot of the plugin settings.
type Settings struct {
	JSONURL           string `json:"jsonUrl" yaml:"jsonUrl"`
	DetailedLogging   bool   `json:"enableDetailedLogging" yaml:"enableDetailedLogging"`
	ConnectionTimeout int    `json:"connectionTimeout" yaml:"connectionTimeout"`
	MaxRetries        int    `json:"maxRetries" yaml:"maxRetries"`
}

// Defaults returns the values used for settings that were never stored.
func Defaults() Settings {
	return Settings{
		ConnectionTimeout: DefaultConnectionTimeout,
		MaxRetries:        DefaultMaxRetries,
	}
}

// Validate checks the settings an operator is about to save.
func (s Settings) Validate() error {
	if s.JSONURL != "" && !IsAbsoluteURL(s.JSONURL) {
		return fmt.Errorf("%w: %s must be a valid URL", ErrInvalid, KeyJSONURL)
	}
	if s.ConnectionTimeout < 0 {
		return fmt.Errorf("%w: %s must be non-negative", ErrInvalid, KeyConnectionTimeout)
	}
	if s.MaxRetries < 0 {
		return fmt.Errorf("%w: %s must be non-negative", ErrInvalid, KeyMaxRetries)
	}
	return nil
}

// Values renders the settings in their stored string form.
func (s Settings) Values() map[string]string {
	return map[string]string{
		KeyJSONURL:           s.JSONURL,
		KeyDetailedLogging:   strconv.FormatBool(s.DetailedLogging),
		KeyConnectionTimeout: strconv.Itoa(s.ConnectionTimeout),
		KeyMaxRetries:        strconv.Itoa(s.MaxRetries),
	}
}

// IsAbsoluteURL reports whether raw parses as a URL with a scheme and host.
func IsAbsoluteURL(raw string) bool {
	u, err := url.ParseRequestURI(raw)
	if err != nil {
		return false
	}
	return u.Scheme != "" && u.Host != ""
}

// Store is a flat key/value backend for settings.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// Accessor reads and writes typed settings through a Store.
type Accessor struct {
	store Store
}

func NewAccessor(store Store) *Accessor {
	return &Accessor{store: store}
}

// Load returns the current settings with defaults applied for absent keys.
// Stored values that do not parse as their declared type are an error.
func (a *Accessor) Load(ctx context.Context) (Settings, error) {
	s := Defaults()

	if v, ok, err := a.store.Get(ctx, KeyJSONURL); err != nil {
		return s, fmt.Errorf("read %s: %w", KeyJSONURL, err)
	} else if ok {
		s.JSONURL = strings.TrimSpace(v)
	}

	if v, ok, err := a.store.Get(ctx, KeyDetailedLogging); err != nil {
		return s, fmt.Errorf("read %s: %w", KeyDetailedLogging, err)
	} else if ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return s, fmt.Errorf("%w: %s=%q is not a boolean", ErrInvalid, KeyDetailedLogging, v)
		}
		s.DetailedLogging = b
	}

	var err error
	if s.ConnectionTimeout, err = a.loadInt(ctx, KeyConnectionTimeout, s.ConnectionTimeout); err != nil {
		return s, err
	}
	if s.MaxRetries, err = a.loadInt(ctx, KeyMaxRetries, s.MaxRetries); err != nil {
		return s, err
	}
	return s, nil
}

func (a *Accessor) loadInt(ctx context.Context, key string, def int) (int, error) {
	v, ok, err := a.store.Get(ctx, key)
	if err != nil {
		return def, fmt.Errorf("read %s: %w", key, err)
	}
	if !ok || strings.TrimSpace(v) == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def, fmt.Errorf("%w: %s=%q is not an integer", ErrInvalid, key, v)
	}
	if n < 0 {
		return def, fmt.Errorf("%w: %s must be non-negative, got %d", ErrInvalid, key, n)
	}
	return n, nil
}

// Save validates s and writes every setting.
func (a *Accessor) Save(ctx context.Context, s Settings) error {
	s.JSONURL = strings.TrimSpace(s.JSONURL)
	if err := s.Validate(); err != nil {
		return err
	}
	values := s.Values()
	for _, key := range Keys {
		if err := a.store.Set(ctx, key, values[key]); err != nil {
			return fmt.Errorf("write %s: %w", key, err)
		}
	}
	return nil
}

// Seed writes install defaults for every setting that is not stored yet and
// returns the keys it wrote. Existing values are left untouched.
func (a *Accessor) Seed(ctx context.Context) ([]string, error) {
	seed := Defaults()
	seed.JSONURL = SeedJSONURL
	values := seed.Values()

	var written []string
	for _, key := range Keys {
		_, ok, err := a.store.Get(ctx, key)
		if err != nil {
			return written, fmt.Errorf("read %s: %w", key, err)
		}
		if ok {
			continue
		}
		if err := a.store.Set(ctx, key, values[key]); err != nil {
			return written, fmt.Errorf("write %s: %w", key, err)
		}
		written = append(written, key)
	}
	return written, nil
}
