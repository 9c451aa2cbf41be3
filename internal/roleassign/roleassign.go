// Package roleassign implements the L3 role assignment component:
// resolving a role tag to a bundle of resource URIs and granting a
// capability for each via the store and signer. Grounded on
// optimizer.go's capabilityMatchScore (originally ranking bids against a
// task's required-capability list), repurposed here to rank a role's
// candidate URIs by specificity when the store's per-agent quota cannot
// admit all of them.
package roleassign

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"dataparency-dev/AI-delegation/internal/capstore"
	"dataparency-dev/AI-delegation/internal/captypes"
	"dataparency-dev/AI-delegation/internal/signer"
)

var ErrUnknownRole = errors.New("roleassign: unknown_role")

// Assigner resolves role tags to resource URI bundles and grants the
// corresponding capabilities. Roles come only from the map passed to New;
// there are no built-in roles.
type Assigner struct {
	roles  map[string][]string
	store  *capstore.Store
	signer *signer.Signer
}

func New(roles map[string][]string, store *capstore.Store, s *signer.Signer) *Assigner {
	return &Assigner{roles: roles, store: store, signer: s}
}

// GrantOutcome reports what happened for one URI in a role bundle.
type GrantOutcome struct {
	ResourceURI string
	CapID       string
	Granted     bool
	Err         error
}

// AssignRole grants a capability for every URI in role's bundle to
// principal. Assignment is idempotent: if principal already holds a
// non-expired capability for a URI, no duplicate token is issued. When
// the store's per-agent quota cannot admit every URI, URIs are ranked by
// specificity (longest path wins) and granted in that order until quota
// is exhausted; the remaining URIs are reported with a quota_exceeded
// error in their outcome rather than aborting the whole assignment.
func (a *Assigner) AssignRole(principal, roleTag string) ([]GrantOutcome, error) {
	uris, ok := a.roles[roleTag]
	if !ok {
		return nil, ErrUnknownRole
	}

	existing := a.store.ListForPrincipal(principal, false)
	have := make(map[string]bool, len(existing))
	for _, c := range existing {
		have[c.ResourceURI] = true
	}

	ordered := append([]string{}, uris...)
	sort.SliceStable(ordered, func(i, j int) bool { return specificity(ordered[i]) > specificity(ordered[j]) })

	outcomes := make([]GrantOutcome, 0, len(ordered))
	for _, uri := range ordered {
		if have[uri] {
			outcomes = append(outcomes, GrantOutcome{ResourceURI: uri, Granted: true})
			continue
		}
		capID := "cap_" + uuid.NewString()
		cap := a.signer.SignCapability(captypes.Capability{
			ID:          capID,
			ResourceURI: uri,
			PrincipalID: principal,
			GrantedAt:   time.Now(),
		})
		if err := a.store.Put(cap); err != nil {
			outcomes = append(outcomes, GrantOutcome{ResourceURI: uri, Granted: false, Err: fmt.Errorf("roleassign: %w", err)})
			continue
		}
		outcomes = append(outcomes, GrantOutcome{ResourceURI: uri, CapID: capID, Granted: true})
	}
	return outcomes, nil
}

// specificity ranks a resource URI by path-segment count — longer, more
// specific paths are granted first when quota can't fit the whole bundle.
func specificity(uri string) int {
	return strings.Count(uri, "/")
}
