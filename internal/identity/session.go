package identity

import "sync"

// Provider yields the current user and reports changes to it.
type Provider interface {
	CurrentUserID() (string, bool)
	OnAuthChange(fn func(userID string)) (unsubscribe func())
}

// Session is a Provider fed by verified tokens.
type Session struct {
	verifier *Verifier

	mu        sync.Mutex
	userID    string
	listeners map[int]func(string)
	nextID    int
}

func NewSession(v *Verifier) *Session {
	return &Session{verifier: v, listeners: make(map[int]func(string))}
}

func (s *Session) CurrentUserID() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID, s.userID != ""
}

// OnAuthChange registers fn and calls it immediately with the current
// user ("" when signed out).
func (s *Session) OnAuthChange(fn func(userID string)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	cur := s.userID
	s.mu.Unlock()

	fn(cur)
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// SignIn verifies token and makes its subject the current user.
func (s *Session) SignIn(token string) (*Claims, error) {
	claims, err := s.verifier.Verify(token)
	if err != nil {
		return nil, err
	}
	s.set(claims.Principal())
	return claims, nil
}

func (s *Session) SignOut() { s.set("") }

func (s *Session) set(userID string) {
	s.mu.Lock()
	if s.userID == userID {
		s.mu.Unlock()
		return
	}
	s.userID = userID
	fns := make([]func(string), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(userID)
	}
}
