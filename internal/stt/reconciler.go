package stt

import "sync"

// Reconciler merges fragments into the transcript exposed to callers. Once a
// final fragment is applied the transcript is frozen.
type Reconciler struct {
	mode InterimMode

	mu        sync.Mutex
	committed string
	current   string
	final     bool
}

func NewReconciler(mode InterimMode) *Reconciler {
	return &Reconciler{mode: mode}
}

// Apply folds f into the transcript. ok is false when the fragment changed
// nothing, including every fragment after the final one.
func (r *Reconciler) Apply(f Fragment) (text string, final bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.final {
		return r.current, true, false
	}
	piece := f.Text()
	if !f.Final && piece == "" {
		return r.current, false, false
	}

	switch r.mode {
	case InterimAppend:
		r.committed += piece
		r.current = r.committed
	default:
		if piece != "" {
			r.current = piece
		}
	}
	if f.Final {
		r.final = true
	}
	return r.current, r.final, true
}

// Transcript returns the current best transcript.
func (r *Reconciler) Transcript() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current, r.final
}
