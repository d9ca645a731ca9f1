package channel

import "sync"

// Sub is a reusable Subscription for transports to embed.
type Sub struct {
	scope string
	done  chan struct{}
	once  sync.Once

	mu  sync.Mutex
	err error
}

func NewSub(scope string) *Sub {
	return &Sub{scope: scope, done: make(chan struct{})}
}

func (s *Sub) Scope() string         { return s.scope }
func (s *Sub) Done() <-chan struct{} { return s.done }

func (s *Sub) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// End closes the subscription with err. Only the first call has effect; it
// reports whether this call was the one that ended it.
func (s *Sub) End(err error) bool {
	ended := false
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
		ended = true
	})
	return ended
}

// Ended reports whether End has been called.
func (s *Sub) Ended() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
