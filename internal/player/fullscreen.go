package player

import "sync"

// HeadlessFullscreen is a Fullscreen host without a screen. It reports every
// accepted change to OnChange, which is usually Player.HandleFullscreenChange.
type HeadlessFullscreen struct {
	mu       sync.Mutex
	active   bool
	onChange func(bool)
}

// NewHeadlessFullscreen returns a host that is not in fullscreen.
func NewHeadlessFullscreen() *HeadlessFullscreen {
	return &HeadlessFullscreen{}
}

// OnChange sets the change listener.
func (h *HeadlessFullscreen) OnChange(fn func(active bool)) {
	h.mu.Lock()
	h.onChange = fn
	h.mu.Unlock()
}

// RequestFullscreen implements Fullscreen.
func (h *HeadlessFullscreen) RequestFullscreen() error {
	h.set(true)
	return nil
}

// ExitFullscreen implements Fullscreen.
func (h *HeadlessFullscreen) ExitFullscreen() error {
	h.set(false)
	return nil
}

// Active reports the host's state.
func (h *HeadlessFullscreen) Active() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active
}

func (h *HeadlessFullscreen) set(active bool) {
	h.mu.Lock()
	changed := h.active != active
	h.active = active
	fn := h.onChange
	h.mu.Unlock()
	if changed && fn != nil {
		fn(active)
	}
}
