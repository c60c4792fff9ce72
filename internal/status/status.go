package status

import (
	"errors"
	"sync"
	"time"

	"sylsas/backend/internal/domain"
	"sylsas/backend/internal/store"
)

type Class string

const (
	ClassSync  Class = "sync"
	ClassWrite Class = "write"
)

const CodePermissionDenied = "permission-denied"

var permissionDeniedMessages = map[domain.Language]string{
	domain.LanguageEnglish: "The database refused access. Check the persistence access rules for this shop's service account.",
	domain.LanguageBengali: "ডাটাবেস অ্যাক্সেস প্রত্যাখ্যান করেছে। এই দোকানের সার্ভিস অ্যাকাউন্টের অ্যাক্সেস নিয়ম পরীক্ষা করুন।",
}

// LanguageSource reports the operator's current display language.
type LanguageSource interface {
	Language() domain.Language
}

// Tracker holds the most recent error surfaced to the operator.
type Tracker struct {
	mu       sync.RWMutex
	current  *domain.Notice
	language LanguageSource
	now      func() time.Time
}

func NewTracker(language LanguageSource) *Tracker {
	return &Tracker{language: language, now: time.Now}
}

// Fail replaces the current notice. Permission failures become persistent.
func (t *Tracker) Fail(class Class, err error) {
	if err == nil {
		return
	}
	notice := domain.Notice{
		Class:   string(class),
		Code:    "error",
		Message: err.Error(),
		At:      t.now().UTC(),
	}
	if errors.Is(err, store.ErrPermissionDenied) {
		notice.Code = CodePermissionDenied
		notice.Message = t.permissionDeniedMessage()
		notice.Persistent = true
	}

	t.mu.Lock()
	t.current = &notice
	t.mu.Unlock()
}

// Succeed clears a notice raised by the same class. A successful sync also
// clears a permission notice, since access has evidently been restored.
func (t *Tracker) Succeed(class Class) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return
	}
	if t.current.Class == string(class) {
		t.current = nil
		return
	}
	if class == ClassSync && t.current.Code == CodePermissionDenied {
		t.current = nil
	}
}

// Observe records err as a failure of class, or a success when err is nil.
func (t *Tracker) Observe(class Class, err error) {
	if err != nil {
		t.Fail(class, err)
		return
	}
	t.Succeed(class)
}

func (t *Tracker) Current() (domain.Notice, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.current == nil {
		return domain.Notice{}, false
	}
	return *t.current, true
}

func (t *Tracker) Clear() {
	t.mu.Lock()
	t.current = nil
	t.mu.Unlock()
}

func (t *Tracker) permissionDeniedMessage() string {
	lang := domain.LanguageEnglish
	if t.language != nil && t.language.Language().Valid() {
		lang = t.language.Language()
	}
	return permissionDeniedMessages[lang]
}
