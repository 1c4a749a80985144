// Package store persists the monitor's state as two JSON documents under
// SITE_DIR/config: status.json (admin-owned items) and users.json (user-owned
// items plus the user-management maps). All writes are atomic replacements
// with a .bak snapshot of the previous document.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrNotFound      = errors.New("store: not found")
	ErrAlreadyExists = errors.New("store: already exists")
)

const (
	statusFile = "status.json"
	usersFile  = "users.json"
)

// Manager owns the two documents. The in-memory copies are authoritative
// between writes; a failed write is logged and retried on the next update.
type Manager struct {
	siteDir string
	log     *zap.Logger
	now     func() time.Time

	adminMu sync.Mutex
	admin   *StatusDoc

	usersMu sync.Mutex
	users   *UsersDoc
}

// NewManager creates a Manager rooted at siteDir. Documents are loaded by
// Open.
func NewManager(siteDir string, log *zap.Logger) *Manager {
	return &Manager{
		siteDir: siteDir,
		log:     log,
		now:     time.Now,
		admin:   NewStatusDoc(),
		users:   NewUsersDoc(),
	}
}

func (m *Manager) statusPath() string {
	return filepath.Join(m.siteDir, "config", statusFile)
}

func (m *Manager) usersPath() string {
	return filepath.Join(m.siteDir, "config", usersFile)
}

// Open migrates any legacy document and loads both stores. Corrupt or missing
// documents yield freshly-initialised defaults; the previous content remains
// recoverable from the .bak sibling.
func (m *Manager) Open() error {
	if err := m.migrateLegacy(); err != nil {
		m.log.Warn("legacy migration failed", zap.Error(err))
	}

	m.adminMu.Lock()
	doc := NewStatusDoc()
	if err := readJSON(m.statusPath(), doc); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			m.log.Warn("status.json unreadable, starting fresh", zap.Error(err))
		}
		doc = NewStatusDoc()
	}
	if doc.Items == nil {
		doc.Items = make(map[string]*CodeItem)
	}
	m.admin = doc
	m.adminMu.Unlock()

	m.usersMu.Lock()
	users := NewUsersDoc()
	if err := readJSON(m.usersPath(), users); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			m.log.Warn("users.json unreadable, starting fresh", zap.Error(err))
		}
		users = NewUsersDoc()
	}
	users.ensureMaps()
	m.users = users
	m.usersMu.Unlock()

	return nil
}

// saveAdminLocked persists the admin document. Caller holds adminMu.
func (m *Manager) saveAdminLocked() {
	m.admin.GeneratedAt = m.now().UTC()
	if err := writeJSONAtomic(m.statusPath(), m.admin); err != nil {
		m.log.Error("write status.json failed, will retry on next update", zap.Error(err))
	}
}

// saveUsersLocked persists the users document. Caller holds usersMu.
func (m *Manager) saveUsersLocked() {
	m.users.GeneratedAt = m.now().UTC()
	if err := writeJSONAtomic(m.usersPath(), m.users); err != nil {
		m.log.Error("write users.json failed, will retry on next update", zap.Error(err))
	}
}

// SaveAdmin forces a write of the admin document.
func (m *Manager) SaveAdmin() {
	m.adminMu.Lock()
	defer m.adminMu.Unlock()
	m.saveAdminLocked()
}

// SaveUsers forces a write of the users document.
func (m *Manager) SaveUsers() {
	m.usersMu.Lock()
	defer m.usersMu.Unlock()
	m.saveUsersLocked()
}

// GetItem looks the code up in both stores. A code lives in exactly one
// store at a time.
func (m *Manager) GetItem(code string) (*CodeItem, Origin, bool) {
	m.adminMu.Lock()
	if it, ok := m.admin.Items[code]; ok {
		out := it.Clone()
		m.adminMu.Unlock()
		return out, OriginAdmin, true
	}
	m.adminMu.Unlock()

	m.usersMu.Lock()
	defer m.usersMu.Unlock()
	if it, ok := m.users.Codes[code]; ok {
		return it.Clone(), OriginUser, true
	}
	return nil, "", false
}

// UpdateItem routes the item to the store matching origin and persists.
func (m *Manager) UpdateItem(origin Origin, code string, item *CodeItem) error {
	switch origin {
	case OriginAdmin:
		m.adminMu.Lock()
		defer m.adminMu.Unlock()
		m.admin.Items[code] = item.Clone()
		m.saveAdminLocked()
		return nil
	case OriginUser:
		m.usersMu.Lock()
		defer m.usersMu.Unlock()
		m.users.Codes[code] = item.Clone()
		m.saveUsersLocked()
		return nil
	default:
		return fmt.Errorf("store: unknown origin %q", origin)
	}
}

// AdminItems returns a snapshot of the admin store.
func (m *Manager) AdminItems() map[string]*CodeItem {
	m.adminMu.Lock()
	defer m.adminMu.Unlock()
	out := make(map[string]*CodeItem, len(m.admin.Items))
	for k, v := range m.admin.Items {
		out[k] = v.Clone()
	}
	return out
}

// UserItems returns a snapshot of the user store.
func (m *Manager) UserItems() map[string]*CodeItem {
	m.usersMu.Lock()
	defer m.usersMu.Unlock()
	out := make(map[string]*CodeItem, len(m.users.Codes))
	for k, v := range m.users.Codes {
		out[k] = v.Clone()
	}
	return out
}

// RemoveAdminItems drops the given codes from the admin store. The user
// store is never touched by config-driven removals.
func (m *Manager) RemoveAdminItems(codes []string) {
	if len(codes) == 0 {
		return
	}
	m.adminMu.Lock()
	defer m.adminMu.Unlock()
	removed := false
	for _, c := range codes {
		if _, ok := m.admin.Items[c]; ok {
			delete(m.admin.Items, c)
			removed = true
		}
	}
	if removed {
		m.saveAdminLocked()
	}
}

// AddUserCode inserts a new user-owned item. Fails if either store already
// holds the code.
func (m *Manager) AddUserCode(item *CodeItem) error {
	m.adminMu.Lock()
	_, inAdmin := m.admin.Items[item.Code]
	m.adminMu.Unlock()
	if inAdmin {
		return ErrAlreadyExists
	}

	m.usersMu.Lock()
	defer m.usersMu.Unlock()
	if _, ok := m.users.Codes[item.Code]; ok {
		return ErrAlreadyExists
	}
	m.users.Codes[item.Code] = item.Clone()
	m.saveUsersLocked()
	return nil
}

// RemoveUserCode deletes a user-owned item.
func (m *Manager) RemoveUserCode(code string) error {
	m.usersMu.Lock()
	defer m.usersMu.Unlock()
	if _, ok := m.users.Codes[code]; !ok {
		return ErrNotFound
	}
	delete(m.users.Codes, code)
	m.saveUsersLocked()
	return nil
}

// CodesOwnedBy returns the user items registered by email.
func (m *Manager) CodesOwnedBy(email string) []*CodeItem {
	m.usersMu.Lock()
	defer m.usersMu.Unlock()
	var out []*CodeItem
	for _, it := range m.users.Codes {
		if it.AddedBy == email {
			out = append(out, it.Clone())
		}
	}
	return out
}

// OwnerOf returns the registering email of a user-owned code, if any.
func (m *Manager) OwnerOf(code string) (string, bool) {
	m.usersMu.Lock()
	defer m.usersMu.Unlock()
	if it, ok := m.users.Codes[code]; ok {
		return it.AddedBy, true
	}
	return "", false
}

// AddPendingAddition stores an add-code request under token.
func (m *Manager) AddPendingAddition(token, code, email string, expiry time.Time) {
	m.usersMu.Lock()
	defer m.usersMu.Unlock()
	m.users.PendingAdditions[token] = &PendingAddition{Code: code, Email: email, Expires: expiry}
	m.saveUsersLocked()
}

// PopPendingAddition atomically removes and returns the pending addition for
// token. Expired entries are treated as absent.
func (m *Manager) PopPendingAddition(token string) (*PendingAddition, bool) {
	m.usersMu.Lock()
	defer m.usersMu.Unlock()
	p, ok := m.users.PendingAdditions[token]
	if !ok {
		return nil, false
	}
	delete(m.users.PendingAdditions, token)
	m.saveUsersLocked()
	if m.now().After(p.Expires) {
		return nil, false
	}
	return p, true
}

// PendingAdditionCodes lists codes with a live pending addition.
func (m *Manager) PendingAdditionCodes() []string {
	m.usersMu.Lock()
	defer m.usersMu.Unlock()
	now := m.now()
	var out []string
	for _, p := range m.users.PendingAdditions {
		if now.Before(p.Expires) {
			out = append(out, p.Code)
		}
	}
	return out
}

// AddSession records a new session.
func (m *Manager) AddSession(sid, email string, expiry time.Time) {
	m.usersMu.Lock()
	defer m.usersMu.Unlock()
	now := m.now().UTC()
	m.users.Sessions[sid] = &Session{
		Email:     email,
		CreatedAt: now,
		ExpiresAt: expiry,
		LastUsed:  now,
	}
	m.saveUsersLocked()
}

// GetSession returns a live session and refreshes its last-used stamp.
// Expired sessions are removed on access.
func (m *Manager) GetSession(sid string) (*Session, bool) {
	m.usersMu.Lock()
	defer m.usersMu.Unlock()
	s, ok := m.users.Sessions[sid]
	if !ok {
		return nil, false
	}
	if m.now().After(s.ExpiresAt) {
		delete(m.users.Sessions, sid)
		m.saveUsersLocked()
		return nil, false
	}
	s.LastUsed = m.now().UTC()
	out := *s
	return &out, true
}

// RemoveSession deletes a session.
func (m *Manager) RemoveSession(sid string) {
	m.usersMu.Lock()
	defer m.usersMu.Unlock()
	if _, ok := m.users.Sessions[sid]; ok {
		delete(m.users.Sessions, sid)
		m.saveUsersLocked()
	}
}

// SetVerificationCode stores a management/login code for email, replacing any
// previous one.
func (m *Manager) SetVerificationCode(email, code string, expiry time.Time, typ string) {
	m.usersMu.Lock()
	defer m.usersMu.Unlock()
	m.users.VerificationCodes[email] = &VerificationCode{Code: code, Expires: expiry, Type: typ}
	m.saveUsersLocked()
}

// PopVerificationCode atomically removes and returns the verification code
// for email. Expired codes are treated as absent.
func (m *Manager) PopVerificationCode(email string) (*VerificationCode, bool) {
	m.usersMu.Lock()
	defer m.usersMu.Unlock()
	v, ok := m.users.VerificationCodes[email]
	if !ok {
		return nil, false
	}
	delete(m.users.VerificationCodes, email)
	m.saveUsersLocked()
	if m.now().After(v.Expires) {
		return nil, false
	}
	return v, true
}
