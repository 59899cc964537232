package portal

import "sync"

// Navigator tracks the page the user is on and any redirect forced by
// the HTTP interceptor while a handler was talking to the backend.
type Navigator struct {
	mu      sync.Mutex
	current string
	pending string
}

func NewNavigator() *Navigator { return &Navigator{} }

// CurrentRoute returns the last page entered.
func (n *Navigator) CurrentRoute() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.current
}

// SetCurrent records the page being entered.
func (n *Navigator) SetCurrent(route string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.current = route
}

// Navigate queues a forced redirect. The latest one wins.
func (n *Navigator) Navigate(target string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pending = target
}

// TakeRedirect returns and clears the queued redirect.
func (n *Navigator) TakeRedirect() (string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	t := n.pending
	n.pending = ""
	return t, t != ""
}
