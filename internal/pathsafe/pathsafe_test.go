package pathsafe

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseURI(t *testing.T) {
	u, err := Parse("arbor://fs/read/docs/deep/path")
	require.NoError(t, err)
	require.Equal(t, "arbor", u.Scheme)
	require.Equal(t, "fs", u.Kind)
	require.Equal(t, "read", u.Action)
	require.Equal(t, []string{"docs", "deep", "path"}, u.Segments)
	require.Equal(t, 3, u.Depth())
}

func TestMatchesPrefixExactAndPrefix(t *testing.T) {
	authority, _ := Parse("arbor://fs/read/docs")
	exact, _ := Parse("arbor://fs/read/docs")
	child, _ := Parse("arbor://fs/read/docs/deep")
	other, _ := Parse("arbor://fs/write/docs")

	require.True(t, MatchesPrefix(authority, exact))
	require.True(t, MatchesPrefix(authority, child))
	require.False(t, MatchesPrefix(authority, other))
}

func TestMatchesPrefixWildcard(t *testing.T) {
	authority, _ := Parse("arbor://fs/read/**")
	req, _ := Parse("arbor://fs/read/docs/deep/path")
	require.True(t, MatchesPrefix(authority, req))

	authority2, _ := Parse("arbor://fs/read/docs/**")
	req2, _ := Parse("arbor://fs/write/docs/deep")
	require.False(t, MatchesPrefix(authority2, req2))
}

func TestResolveUnderRootRejectsTraversal(t *testing.T) {
	_, err := ResolveUnderRoot("/home/agent", "../../etc/passwd")
	require.ErrorIs(t, err, ErrPathTraversal)
}

func TestResolveUnderRootAllowsDescendant(t *testing.T) {
	resolved, err := ResolveUnderRoot("/home/agent", "docs/deep/path")
	require.NoError(t, err)
	require.Equal(t, "/home/agent/docs/deep/path", resolved)
}

func TestResolveUnderRootAllowsRootItself(t *testing.T) {
	resolved, err := ResolveUnderRoot("/home/agent", "")
	require.NoError(t, err)
	require.Equal(t, "/home/agent", resolved)
}

func TestResolveUnderRootRejectsSiblingEscape(t *testing.T) {
	_, err := ResolveUnderRoot("/home/agent", "../agent-other/secret")
	require.ErrorIs(t, err, ErrPathTraversal)
}
