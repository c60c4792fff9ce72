package session

import (
	"crypto/subtle"
	"fmt"
	"log"
	"sync"

	"sylsas/backend/internal/domain"
	"sylsas/backend/internal/store"
)

// Gate guards the back office behind the shop PIN. Preferences are read once
// at construction and written through on every change.
type Gate struct {
	mu    sync.RWMutex
	store PreferenceStore
	prefs domain.Preferences
}

func NewGate(prefs PreferenceStore) *Gate {
	loaded, err := prefs.Load()
	if err != nil {
		log.Printf("[session] WARN: using default preferences: %v", err)
	}
	return &Gate{store: prefs, prefs: loaded}
}

// Login succeeds when secret equals the shop PIN. A shop without a PIN
// admits nobody.
func (g *Gate) Login(shop domain.ShopProfile, secret string) (bool, error) {
	if shop.PIN == "" || subtle.ConstantTimeCompare([]byte(shop.PIN), []byte(secret)) != 1 {
		return false, nil
	}
	if err := g.update(func(p *domain.Preferences) { p.IsLoggedIn = true }); err != nil {
		return false, err
	}
	return true, nil
}

func (g *Gate) Logout() error {
	return g.update(func(p *domain.Preferences) { p.IsLoggedIn = false })
}

func (g *Gate) IsLoggedIn() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.prefs.IsLoggedIn
}

func (g *Gate) Language() domain.Language {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.prefs.Language
}

func (g *Gate) Preferences() domain.Preferences {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.prefs
}

func (g *Gate) SetLanguage(lang domain.Language) error {
	if !lang.Valid() {
		return fmt.Errorf("%w: unsupported language %q", store.ErrInvalidTransaction, lang)
	}
	return g.update(func(p *domain.Preferences) { p.Language = lang })
}

func (g *Gate) update(change func(*domain.Preferences)) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	next := g.prefs
	change(&next)
	if err := g.store.Save(next); err != nil {
		log.Printf("[session] WARN: persist preferences: %v", err)
		return err
	}
	g.prefs = next
	return nil
}
