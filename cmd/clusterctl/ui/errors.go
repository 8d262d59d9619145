package ui

import (
	"errors"
	"fmt"
)

// ErrCancelled is returned by Confirm/Prompt when the user dismisses the
// prompt (ctrl+c, esc) rather than answering it.
var ErrCancelled = errors.New("cancelled")

// ErrNoInteraction is returned by RequireInteraction when the current
// terminal isn't interactive (IsNoInteraction), so a prompt would hang or
// silently pick a default. Hint names the non-interactive bypass — a flag
// or env var the caller should use instead.
type ErrNoInteraction struct {
	Hint string
}

func (e *ErrNoInteraction) Error() string {
	if e.Hint == "" {
		return "no interactive terminal available"
	}
	return fmt.Sprintf("no interactive terminal available (%s)", e.Hint)
}

// RequireInteraction returns *ErrNoInteraction when the session is running
// non-interactively (ConfigureInteraction(true), NO_INTERACTION, CI, a
// dumb terminal, or a piped stderr), so callers can fail fast instead of
// blocking on a prompt nobody can answer.
func RequireInteraction(bypassHint string) error {
	if IsNoInteraction() {
		return &ErrNoInteraction{Hint: bypassHint}
	}
	return nil
}
