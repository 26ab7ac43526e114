package meridian

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLocator_OK(t *testing.T) {
	loc, err := ParseLocator("tcp://10.0.0.1:4242/mailbox/1")
	require.NoError(t, err)
	require.Equal(t, "tcp", loc.Scheme)
	require.Equal(t, "10.0.0.1", loc.Host)
	require.Equal(t, 4242, loc.Port)
	require.Equal(t, "mailbox/1", loc.Path)
}

func TestParseLocator_EphemeralPort(t *testing.T) {
	loc, err := ParseLocator("udp://node-a/echo")
	require.NoError(t, err)
	require.Equal(t, 0, loc.Port)
}

func TestParseLocator_MissingHost(t *testing.T) {
	_, err := ParseLocator("tcp:///echo")
	require.ErrorIs(t, err, ErrInvalidLocator)
}

func TestParseLocator_BadPort(t *testing.T) {
	_, err := ParseLocator("tcp://host:notaport/echo")
	require.ErrorIs(t, err, ErrInvalidLocator)
}

func TestNodeIDFromLocator_IgnoresPath(t *testing.T) {
	a, err := ParseLocator("tcp://host:1/a")
	require.NoError(t, err)
	b, err := ParseLocator("tcp://host:1/b")
	require.NoError(t, err)
	require.Equal(t, NodeIDFromLocator(a), NodeIDFromLocator(b))
}
