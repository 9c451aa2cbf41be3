package captypes

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func intp(n int) *int { return &n }

func TestCanonicalBytesExcludesChainAndMutableMetadata(t *testing.T) {
	base := Capability{
		ID:              "cap_1",
		ResourceURI:     "arbor://fs/read/docs",
		PrincipalID:     "agent_a",
		IssuerID:        "agent_authority",
		DelegationDepth: 2,
	}
	withChain := base
	withChain.DelegationChain = []DelegationRecord{{DelegatorID: "agent_x"}}

	require.Equal(t, base.CanonicalBytes(), withChain.CanonicalBytes())
}

func TestCanonicalBytesChangesWithStableFields(t *testing.T) {
	a := Capability{ID: "cap_1", ResourceURI: "arbor://fs/read/docs", PrincipalID: "agent_a"}
	b := a
	b.PrincipalID = "agent_b"
	require.NotEqual(t, a.CanonicalBytes(), b.CanonicalBytes())
}

func TestConstraintsCanonicalIsSortedAndDeterministic(t *testing.T) {
	c1 := Constraints{Patterns: []string{"b", "a"}, MaxDepth: intp(3)}
	c2 := Constraints{Patterns: []string{"a", "b"}, MaxDepth: intp(3)}
	require.Equal(t, c1.CanonicalConstraints(), c2.CanonicalConstraints())
}

func TestNarrowsAllowsGrowingPatternsShrinkingLimits(t *testing.T) {
	parent := Constraints{Patterns: []string{"a/*"}, MaxDepth: intp(5), RateLimit: intp(10)}
	child := Constraints{Patterns: []string{"a/*", "b/*"}, MaxDepth: intp(3), RateLimit: intp(5)}
	require.True(t, parent.Narrows(child))
}

func TestNarrowsRejectsWidening(t *testing.T) {
	parent := Constraints{MaxDepth: intp(3)}
	child := Constraints{MaxDepth: intp(5)}
	require.False(t, parent.Narrows(child))

	parent2 := Constraints{Patterns: []string{"a/*", "b/*"}}
	child2 := Constraints{Patterns: []string{"a/*"}}
	require.False(t, parent2.Narrows(child2))
}

func TestNarrowsRequiresChildToInheritUnsetParentField(t *testing.T) {
	parent := Constraints{RateLimit: intp(10)}
	child := Constraints{}
	require.False(t, parent.Narrows(child))
}

func TestExpired(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	c := Capability{ExpiresAt: &past}
	require.True(t, c.Expired(time.Now()))

	future := time.Now().Add(time.Hour)
	c2 := Capability{ExpiresAt: &future}
	require.False(t, c2.Expired(time.Now()))

	c3 := Capability{}
	require.False(t, c3.Expired(time.Now()))
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	c := Capability{ID: "cap_x", ResourceURI: "arbor://fs/read/docs", PrincipalID: "agent_a"}
	b, err := c.Marshal()
	require.NoError(t, err)
	back, err := UnmarshalCapability(b)
	require.NoError(t, err)
	require.Equal(t, c.ID, back.ID)
	require.Equal(t, c.ResourceURI, back.ResourceURI)
}
