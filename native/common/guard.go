package common

import "errors"

var ErrModulePaused = errors.New("module paused")

// PauseView reports whether the named module currently rejects capital flows.
type PauseView interface {
	IsPaused(module string) bool
}

// Guard returns ErrModulePaused when the module is paused. A nil view or an
// empty module name never blocks.
func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}

// PauseFlag is a single process-wide switch scoped to one module. The zero
// value is unpaused.
type PauseFlag struct {
	Module string
	Paused bool
}

// IsPaused implements PauseView. Modules other than the flag's own are never
// reported as paused.
func (f PauseFlag) IsPaused(module string) bool {
	return f.Paused && f.Module != "" && f.Module == module
}

// Set returns a copy of the flag with the paused bit replaced.
func (f PauseFlag) Set(paused bool) PauseFlag {
	f.Paused = paused
	return f
}
