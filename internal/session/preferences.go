package session

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/viper"

	"sylsas/backend/internal/domain"
)

const (
	keyLanguage   = "language"
	keyIsLoggedIn = "is_logged_in"
)

// PreferenceStore persists the operator's local preferences.
type PreferenceStore interface {
	Load() (domain.Preferences, error)
	Save(domain.Preferences) error
}

func defaultPreferences() domain.Preferences {
	return domain.Preferences{Language: domain.LanguageEnglish}
}

// FileStore keeps preferences in a JSON file on the operator's machine.
type FileStore struct {
	path string
	mu   sync.Mutex
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (f *FileStore) Load() (domain.Preferences, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	v := viper.New()
	v.SetConfigFile(f.path)
	v.SetConfigType("json")
	v.SetDefault(keyLanguage, string(domain.LanguageEnglish))
	v.SetDefault(keyIsLoggedIn, false)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist) {
			return defaultPreferences(), nil
		}
		return defaultPreferences(), fmt.Errorf("read preferences %s: %w", f.path, err)
	}

	prefs := domain.Preferences{
		Language:   domain.Language(v.GetString(keyLanguage)),
		IsLoggedIn: v.GetBool(keyIsLoggedIn),
	}
	if !prefs.Language.Valid() {
		prefs.Language = domain.LanguageEnglish
	}
	return prefs, nil
}

func (f *FileStore) Save(prefs domain.Preferences) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if dir := filepath.Dir(f.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	v := viper.New()
	v.SetConfigType("json")
	v.Set(keyLanguage, string(prefs.Language))
	v.Set(keyIsLoggedIn, prefs.IsLoggedIn)
	if err := v.WriteConfigAs(f.path); err != nil {
		return fmt.Errorf("write preferences %s: %w", f.path, err)
	}
	return nil
}

// MemoryStore is a PreferenceStore for tests and ephemeral sessions.
type MemoryStore struct {
	mu    sync.Mutex
	prefs domain.Preferences
	saves int
}

func NewMemoryStore(initial domain.Preferences) *MemoryStore {
	return &MemoryStore{prefs: initial}
}

func (m *MemoryStore) Load() (domain.Preferences, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.prefs.Language.Valid() {
		return defaultPreferences(), nil
	}
	return m.prefs, nil
}

func (m *MemoryStore) Save(prefs domain.Preferences) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prefs = prefs
	m.saves++
	return nil
}

// Saves reports how many times preferences were written.
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
