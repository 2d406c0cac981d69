package core

// Flag is the evaluation view of a feature flag: the fields the rollout
// decision depends on, plus the descriptive metadata echoed back in results.
// A nil Rollout means all-or-nothing: no partial rollout is in effect.
type Flag struct {
	Name        string
	Description string
	Enabled     bool
	Rollout     *float64
}

// Evaluation is the per-user decision for a single flag. It has no lifecycle
// of its own: constructed, returned, discarded.
type Evaluation struct {
	Name        string `json:"name"`
	Enabled     bool   `json:"enabled"`
	Description string `json:"description,omitempty"`
}
