// Package identity supplies the set of currently recognized faces.
// The face-recognition service is external; this package only holds
// its latest snapshot.
package identity

import "github.com/echosight/narrator/internal/types"

// Provider returns a snapshot of the currently recognized faces.
// Current must be cheap and side-effect free; the engine reads it once
// per detection cycle.
type Provider interface {
	Current() []types.RecognizedIdentity
}

// Static is a fixed identity list, used in tests and single-user
// deployments without a recognition feed.
type Static []types.RecognizedIdentity

// Current implements Provider. The returned slice is a copy.
func (s Static) Current() []types.RecognizedIdentity {
	out := make([]types.RecognizedIdentity, len(s))
	copy(out, s)
	return out
}
