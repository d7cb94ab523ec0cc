package player

import "strings"

// KeyEvent is a key press delivered to the player. TargetTag is the tag name
// of the focused element ("INPUT", "TEXTAREA", "DIV", ...).
type KeyEvent struct {
	Key       string
	TargetTag string
}

func (k KeyEvent) inTextInput() bool {
	switch strings.ToUpper(k.TargetTag) {
	case "INPUT", "TEXTAREA":
		return true
	}
	return false
}

// HandleKey applies the player's shortcuts: space or k play/pause, m mute,
// f fullscreen, arrows seek 5s. Keys typed into text inputs are ignored.
// handled reports whether the key was a shortcut.
func (p *Player) HandleKey(k KeyEvent) (handled bool, err error) {
	if k.inTextInput() {
		return false, nil
	}
	switch strings.ToLower(k.Key) {
	case " ", "k":
		return true, p.TogglePlayPause()
	case "m":
		return true, p.ToggleMute()
	case "f":
		return true, p.ToggleFullscreen()
	case "arrowright":
		return true, p.Seek(p.state.Get().CurrentTime + seekStep)
	case "arrowleft":
		return true, p.Seek(p.state.Get().CurrentTime - seekStep)
	}
	return false, nil
}
