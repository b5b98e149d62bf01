package auth

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"go.uber.org/zap"

	"github.com/metricsplay/client/internal/models"
	"github.com/metricsplay/client/pkg/broadcast"
)

const (
	cookieToken    = "auth_token"
	cookieUsername = "username"
)

// Store persists the bearer token and username the way the web client keeps them in
// cookies: one Set-Cookie line per value, Path=/, SameSite=Lax, expiring after the TTL.
type Store struct {
	path   string
	ttl    time.Duration
	now    func() time.Time
	logger *zap.Logger

	mu      sync.RWMutex
	cookies map[string]*http.Cookie
	current *broadcast.Subject[*models.User]
}

// NewStore opens the credential file at path, loading any unexpired credentials.
// A missing file is not an error.
func NewStore(path string, ttlDays int, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttlDays <= 0 {
		ttlDays = 7
	}
	s := &Store{
		path:    path,
		ttl:     time.Duration(ttlDays) * 24 * time.Hour,
		now:     time.Now,
		logger:  logger,
		cookies: make(map[string]*http.Cookie),
		current: broadcast.NewSubject[*models.User](nil),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Save stores the token and username and publishes the new user.
func (s *Store) Save(username, token string) error {
	expires := s.now().Add(s.ttl)
	s.mu.Lock()
	s.cookies[cookieToken] = newCookie(cookieToken, token, expires)
	s.cookies[cookieUsername] = newCookie(cookieUsername, url.QueryEscape(username), expires)
	err := s.persistLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.logger.Info("user logged in", zap.String("username", username))
	s.current.Next(&models.User{Username: username, Token: token})
	return nil
}

// Clear removes stored credentials and publishes the logged-out state.
func (s *Store) Clear() error {
	s.mu.Lock()
	s.cookies = make(map[string]*http.Cookie)
	err := s.persistLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.logger.Info("user logged out")
	s.current.Next(nil)
	return nil
}

// Token returns the bearer token, or "" when none is stored or it has expired.
func (s *Store) Token() string {
	token, _ := s.credentials()
	return token
}

// Username returns the stored username, or "" when unauthenticated.
func (s *Store) Username() string {
	_, username := s.credentials()
	return username
}

// CurrentUser returns the authenticated user, or nil.
func (s *Store) CurrentUser() *models.User {
	token, username := s.credentials()
	if token == "" || username == "" {
		return nil
	}
	return &models.User{Username: username, Token: token}
}

// IsAuthenticated reports whether a usable token is stored.
func (s *Store) IsAuthenticated() bool {
	return s.Token() != ""
}

// Watch subscribes fn to user changes. fn first receives the current user (or nil), then
// every login, logout or on-disk change picked up by Reload.
func (s *Store) Watch(fn func(*models.User)) (unsubscribe func()) {
	return s.current.Subscribe(fn)
}

func (s *Store) credentials() (token, username string) {
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	tc, ok := s.cookies[cookieToken]
	if !ok || !alive(tc, now) || Expired(tc.Value, now) {
		return "", ""
	}
	uc, ok := s.cookies[cookieUsername]
	if !ok || !alive(uc, now) {
		return "", ""
	}
	name, err := url.QueryUnescape(uc.Value)
	if err != nil {
		name = uc.Value
	}
	return tc.Value, name
}

func (s *Store) load() error {
	cookies, err := s.readCookies()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.cookies = cookies
	s.mu.Unlock()
	if u := s.CurrentUser(); u != nil {
		s.logger.Info("user session loaded", zap.String("username", u.Username))
		s.current.Next(u)
	}
	return nil
}

// Reload re-reads the credential file, picking up a login or logout done by another
// process, and publishes the user when it changed.
func (s *Store) Reload() error {
	cookies, err := s.readCookies()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.cookies = cookies
	s.mu.Unlock()

	u := s.CurrentUser()
	prev := s.current.Value()
	if sameUser(prev, u) {
		return nil
	}
	if u != nil {
		s.logger.Info("credentials changed on disk", zap.String("username", u.Username))
	} else {
		s.logger.Info("credentials removed on disk")
	}
	s.current.Next(u)
	return nil
}

func (s *Store) readCookies() (map[string]*http.Cookie, error) {
	cookies := make(map[string]*http.Cookie)
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return cookies, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	now := s.now()
	sc := bufio.NewScanner(bytes.NewReader(raw))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		c, err := http.ParseSetCookie(line)
		if err != nil {
			s.logger.Warn("skip malformed credential line", zap.Error(err))
			continue
		}
		if !alive(c, now) {
			continue
		}
		cookies[c.Name] = c
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan credentials: %w", err)
	}
	return cookies, nil
}

func (s *Store) persistLocked() error {
	var buf bytes.Buffer
	for _, name := range []string{cookieToken, cookieUsername} {
		if c, ok := s.cookies[name]; ok {
			buf.WriteString(c.String())
			buf.WriteByte('\n')
		}
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create credentials dir: %w", err)
	}
	if err := renameio.WriteFile(s.path, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	return nil
}

func newCookie(name, value string, expires time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Expires:  expires.UTC(),
		SameSite: http.SameSiteLaxMode,
	}
}

func sameUser(a, b *models.User) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Username == b.Username && a.Token == b.Token
}

func alive(c *http.Cookie, now time.Time) bool {
	return c.Expires.IsZero() || now.Before(c.Expires)
}
