package auth

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metricsplay/client/internal/api"
	"github.com/metricsplay/client/internal/models"
)

func signedToken(t *testing.T, subject string, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	s, err := tok.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return s
}

func TestStore_SaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds", "credentials.json")
	s, err := NewStore(path, 7, nil)
	require.NoError(t, err)
	assert.False(t, s.IsAuthenticated())

	token := signedToken(t, "alice", time.Now().Add(time.Hour))
	require.NoError(t, s.Save("alice smith", token))
	assert.Equal(t, token, s.Token())
	assert.Equal(t, "alice smith", s.Username())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "SameSite=Lax")
	assert.Contains(t, string(raw), "Path=/")
	assert.Equal(t, 2, strings.Count(strings.TrimSpace(string(raw)), "\n")+1)

	reloaded, err := NewStore(path, 7, nil)
	require.NoError(t, err)
	u := reloaded.CurrentUser()
	require.NotNil(t, u)
	assert.Equal(t, "alice smith", u.Username)
	assert.Equal(t, token, u.Token)
}

func TestStore_CookieExpiry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	s, err := NewStore(path, 7, nil)
	require.NoError(t, err)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }
	require.NoError(t, s.Save("bob", "opaque-token"))

	s.now = func() time.Time { return base.Add(6 * 24 * time.Hour) }
	assert.Equal(t, "opaque-token", s.Token())

	s.now = func() time.Time { return base.Add(7*24*time.Hour + time.Second) }
	assert.Empty(t, s.Token())
	assert.Nil(t, s.CurrentUser())
}

func TestStore_ExpiredJWTIsIgnored(t *testing.T) {
	s, err := NewStore(filepath.Join(t.TempDir(), "c"), 7, nil)
	require.NoError(t, err)

	require.NoError(t, s.Save("carol", signedToken(t, "carol", time.Now().Add(-time.Minute))))
	assert.False(t, s.IsAuthenticated())
}

func TestStore_WatchAndClear(t *testing.T) {
	s, err := NewStore(filepath.Join(t.TempDir(), "c"), 7, nil)
	require.NoError(t, err)

	var seen []string
	unsub := s.Watch(func(u *models.User) {
		if u == nil {
			seen = append(seen, "<nil>")
			return
		}
		seen = append(seen, u.Username)
	})
	defer unsub()

	require.NoError(t, s.Save("dave", "t1"))
	require.NoError(t, s.Clear())

	assert.Equal(t, []string{"<nil>", "dave", "<nil>"}, seen)
	assert.False(t, s.IsAuthenticated())
}

func TestStore_ReloadPicksUpOtherProcess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c")
	agent, err := NewStore(path, 7, nil)
	require.NoError(t, err)
	login, err := NewStore(path, 7, nil)
	require.NoError(t, err)

	var seen []string
	defer agent.Watch(func(u *models.User) {
		if u == nil {
			seen = append(seen, "<nil>")
			return
		}
		seen = append(seen, u.Username+":"+u.Token)
	})()

	require.NoError(t, login.Save("erin", "t1"))
	assert.False(t, agent.IsAuthenticated(), "not visible before reload")

	require.NoError(t, agent.Reload())
	assert.Equal(t, "t1", agent.Token())
	require.NoError(t, agent.Reload())

	require.NoError(t, login.Save("erin", "t2"))
	require.NoError(t, agent.Reload())
	require.NoError(t, login.Clear())
	require.NoError(t, agent.Reload())

	assert.Equal(t, []string{"<nil>", "erin:t1", "erin:t2", "<nil>"}, seen)
	assert.Empty(t, agent.Token())
}

func TestStore_WatcherReloadsOnFileChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds", "credentials")
	agent, err := NewStore(path, 7, nil)
	require.NoError(t, err)
	stop, err := agent.StartWatcher(context.Background())
	require.NoError(t, err)
	defer stop()

	users := make(chan *models.User, 4)
	defer agent.Watch(func(u *models.User) { users <- u })()
	require.Nil(t, <-users)

	login, err := NewStore(path, 7, nil)
	require.NoError(t, err)
	require.NoError(t, login.Save("frank", "tok"))

	select {
	case u := <-users:
		require.NotNil(t, u)
		assert.Equal(t, "frank", u.Username)
	case <-time.After(5 * time.Second):
		t.Fatal("credential change not picked up")
	}
	assert.Equal(t, "tok", agent.Token())
}

type fakeBackend struct {
	token string
	err   error
}

func (f fakeBackend) Login(context.Context, models.AuthRequest) (*models.AuthResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &models.AuthResponse{Token: f.token}, nil
}

func (f fakeBackend) Signup(ctx context.Context, req models.AuthRequest) (*models.AuthResponse, error) {
	return f.Login(ctx, req)
}

func TestService_LoginFailureLeavesStoreUntouched(t *testing.T) {
	s, err := NewStore(filepath.Join(t.TempDir(), "c"), 7, nil)
	require.NoError(t, err)

	svc := NewService(fakeBackend{err: &api.StatusError{StatusCode: 401}}, s, nil)
	err = svc.Login(context.Background(), "erin", "nope")
	require.ErrorIs(t, err, api.ErrUnauthorized)
	assert.False(t, s.IsAuthenticated())

	svc = NewService(fakeBackend{token: "good"}, s, nil)
	require.NoError(t, svc.Signup(context.Background(), "erin", "pw"))
	assert.Equal(t, "erin", s.Username())

	require.NoError(t, svc.Logout())
	assert.Empty(t, s.Username())
}

func TestInspectToken(t *testing.T) {
	_, err := InspectToken("not-a-jwt")
	require.ErrorIs(t, err, ErrInvalidToken)

	claims, err := InspectToken(signedToken(t, "frank", time.Now().Add(time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, "frank", claims.Subject)
	assert.False(t, Expired("not-a-jwt", time.Now()))
}
