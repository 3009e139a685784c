package auth

import (
	"github.com/cuemby/burrow/pkg/types"
)

// Denial is a permission failure surfaced as a bundle failure message rather
// than an error; a nil Denial means the check passed.
type Denial struct {
	Message string
}

// Predicate answers the two permission questions the core asks. Failures
// never abort a tick; they fail the bundle they concern.
type Predicate interface {
	// CanRead reports whether user may read every parent in parentUUIDs.
	CanRead(userID string, parentUUIDs []string) *Denial

	// CanRun reports whether workerOwner's worker may run the bundle.
	CanRun(workerOwnerID string, bundle *types.Bundle) *Denial
}

// AllowAll grants every permission check. Deployments hook in the real
// permission system; tests use this or a denying stub.
type AllowAll struct{}

func (AllowAll) CanRead(string, []string) *Denial     { return nil }
func (AllowAll) CanRun(string, *types.Bundle) *Denial { return nil }
