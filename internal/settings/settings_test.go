package settings

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

type memStore struct {
	values map[string]string
	sets   int
	getErr error
	setErr error
}

func newMemStore(values map[string]string) *memStore {
	if values == nil {
		values = map[string]string{}
	}
	return &memStore{values: values}
}

func (m *memStore) Get(_ context.Context, key string) (string, bool, error) {
	if m.getErr != nil {
		return "", false, m.getErr
	}
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *memStore) Set(_ context.Context, key, value string) error {
	if m.setErr != nil {
		return m.setErr
	}
	m.sets++
	m.values[key] = value
	return nil
}

func TestAccessorLoad(t *testing.T) {
	tests := []struct {
		name    string
		stored  map[string]string
		want    Settings
		wantErr bool
	}{
		{
			name:   "defaults when nothing stored",
			stored: nil,
			want:   Settings{ConnectionTimeout: 30, MaxRetries: 3},
		},
		{
			name: "all values stored",
			stored: map[string]string{
				KeyJSONURL:           "https://db-ip.com/account/abc/db/ip-to-location/",
				KeyDetailedLogging:   "1",
				KeyConnectionTimeout: "10",
				KeyMaxRetries:        "0",
			},
			want: Settings{
				JSONURL:           "https://db-ip.com/account/abc/db/ip-to-location/",
				DetailedLogging:   true,
				ConnectionTimeout: 10,
				MaxRetries:        0,
			},
		},
		{
			name:   "url is trimmed",
			stored: map[string]string{KeyJSONURL: "  https://example.com/x  "},
			want:   Settings{JSONURL: "https://example.com/x", ConnectionTimeout: 30, MaxRetries: 3},
		},
		{
			name:   "empty numeric values fall back to defaults",
			stored: map[string]string{KeyConnectionTimeout: "", KeyMaxRetries: " "},
			want:   Settings{ConnectionTimeout: 30, MaxRetries: 3},
		},
		{
			name:    "non-integer timeout",
			stored:  map[string]string{KeyConnectionTimeout: "thirty"},
			wantErr: true,
		},
		{
			name:    "negative retries",
			stored:  map[string]string{KeyMaxRetries: "-1"},
			wantErr: true,
		},
		{
			name:    "non-boolean logging flag",
			stored:  map[string]string{KeyDetailedLogging: "sometimes"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewAccessor(newMemStore(tt.stored)).Load(context.Background())
			if tt.wantErr {
				if !errors.Is(err, ErrInvalid) {
					t.Fatalf("Load() error = %v, want ErrInvalid", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load() unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Load() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestAccessorLoadStoreError(t *testing.T) {
	store := newMemStore(nil)
	store.getErr = errors.New("disk gone")

	if _, err := NewAccessor(store).Load(context.Background()); err == nil {
		t.Fatal("Load() expected error from store")
	}
}

func TestAccessorSave(t *testing.T) {
	tests := []struct {
		name     string
		in       Settings
		wantErr  bool
		wantSets int
	}{
		{
			name:     "valid settings",
			in:       Settings{JSONURL: "https://db-ip.com/account/k/db/ip-to-location/", ConnectionTimeout: 5, MaxRetries: 2},
			wantSets: 4,
		},
		{
			name:     "empty url is allowed",
			in:       Settings{ConnectionTimeout: 30, MaxRetries: 3},
			wantSets: 4,
		},
		{
			name:    "invalid url rejected",
			in:      Settings{JSONURL: "not a url", ConnectionTimeout: 30, MaxRetries: 3},
			wantErr: true,
		},
		{
			name:    "relative url rejected",
			in:      Settings{JSONURL: "/db/ip-to-location", ConnectionTimeout: 30, MaxRetries: 3},
			wantErr: true,
		},
		{
			name:    "negative timeout rejected",
			in:      Settings{ConnectionTimeout: -1},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore(nil)
			err := NewAccessor(store).Save(context.Background(), tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalid) {
					t.Fatalf("Save() error = %v, want ErrInvalid", err)
				}
				if store.sets != 0 {
					t.Errorf("Save() wrote %d values on invalid input", store.sets)
				}
				return
			}
			if err != nil {
				t.Fatalf("Save() unexpected error: %v", err)
			}
			if store.sets != tt.wantSets {
				t.Errorf("Save() wrote %d values, want %d", store.sets, tt.wantSets)
			}

			// Round trip through Load
			got, err := NewAccessor(store).Load(context.Background())
			if err != nil {
				t.Fatalf("Load() after Save() error: %v", err)
			}
			if got != tt.in {
				t.Errorf("Load() after Save() = %+v, want %+v", got, tt.in)
			}
		})
	}
}

func TestAccessorSeed(t *testing.T) {
	store := newMemStore(map[string]string{KeyMaxRetries: "7"})

	written, err := NewAccessor(store).Seed(context.Background())
	if err != nil {
		t.Fatalf("Seed() error = %v", err)
	}

	wantWritten := []string{KeyJSONURL, KeyDetailedLogging, KeyConnectionTimeout}
	if !reflect.DeepEqual(written, wantWritten) {
		t.Errorf("Seed() wrote %v, want %v", written, wantWritten)
	}
	if store.values[KeyMaxRetries] != "7" {
		t.Errorf("Seed() overwrote existing maxRetries: %q", store.values[KeyMaxRetries])
	}
	if store.values[KeyJSONURL] != SeedJSONURL {
		t.Errorf("Seed() jsonUrl = %q, want %q", store.values[KeyJSONURL], SeedJSONURL)
	}

	// A second seed is a no-op
	written, err = NewAccessor(store).Seed(context.Background())
	if err != nil {
		t.Fatalf("second Seed() error = %v", err)
	}
	if len(written) != 0 {
		t.Errorf("second Seed() wrote %v, want nothing", written)
	}
}

func TestIsAbsoluteURL(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"https://download.db-ip.com/key/abc.mmdb", true},
		{"http://localhost:8082/", true},
		{"not a url", false},
		{"", false},
		{"/relative/path", false},
		{"mailto:someone", false},
		{"https://", false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := IsAbsoluteURL(tt.in); got != tt.want {
				t.Errorf("IsAbsoluteURL(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}
