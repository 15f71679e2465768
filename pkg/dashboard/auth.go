package dashboard

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/crypto/bcrypt"

	"github.com/icxfleet/icxfleet/pkg/util"
)

const (
	sessionCookie = "icxfleet_session"
	sessionTTL    = 12 * time.Hour
)

// viewSession is one browser's set of unlocked agents.
type viewSession struct {
	agents  map[string]bool
	expires time.Time
}

// sessionStore holds opaque view-session tokens. Each agent page is
// unlocked separately with that agent's view password; the dashboard
// only ever sees the bcrypt hash the agent registered with.
type sessionStore struct {
	mu       sync.Mutex
	clock    clockwork.Clock
	sessions map[string]*viewSession
}

func newSessionStore(clock clockwork.Clock) *sessionStore {
	return &sessionStore{
		clock:    clock,
		sessions: make(map[string]*viewSession),
	}
}

// login verifies password against the agent's registered hash and
// unlocks agentID on the session, creating one if token is unknown.
// The (possibly new) session token is returned.
func (s *sessionStore) login(reg *Registry, token, agentID, password string) (string, error) {
	hash := reg.PasswordHash(agentID)
	if hash == "" {
		return "", fmt.Errorf("%w: agent %s has not published a view password", util.ErrNotFound, agentID)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return "", fmt.Errorf("%w: wrong view password for %s", util.ErrAuth, agentID)
	}

	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked(now)

	sess := s.sessions[token]
	if sess == nil {
		token = uuid.NewString()
		sess = &viewSession{agents: make(map[string]bool)}
		s.sessions[token] = sess
	}
	sess.agents[agentID] = true
	sess.expires = now.Add(sessionTTL)
	return token, nil
}

// allowed reports whether token has unlocked agentID.
func (s *sessionStore) allowed(token, agentID string) bool {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.sessions[token]
	if sess == nil || now.After(sess.expires) {
		return false
	}
	return sess.agents[agentID]
}

func (s *sessionStore) sweepLocked(now time.Time) {
	for token, sess := range s.sessions {
		if now.After(sess.expires) {
			delete(s.sessions, token)
		}
	}
}

// sessionToken extracts the view-session cookie, if any.
func sessionToken(r *http.Request) string {
	c, err := r.Cookie(sessionCookie)
	if err != nil {
		return ""
	}
	return c.Value
}

func setSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}
