package meridian

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Locator identifies a remote actor: scheme://host:port/path. The scheme
// selects a Backend; host:port identifies the node; path identifies the
// actor within that node.
type Locator struct {
	Scheme string
	Host   string
	Port   int
	Path   string
}

func (l Locator) NodeID() string {
	return fmt.Sprintf("%s://%s:%d", l.Scheme, l.Host, l.Port)
}

func (l Locator) String() string {
	return fmt.Sprintf("%s/%s", l.NodeID(), strings.TrimPrefix(l.Path, "/"))
}

// ParseLocator parses a locator URI of the form scheme://host:port/path.
// Port defaults to 0 (ephemeral) when absent.
func ParseLocator(raw string) (Locator, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Locator{}, wrapf(ErrInvalidLocator, "%s: %v", raw, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return Locator{}, wrapf(ErrInvalidLocator, "%s: missing scheme or host", raw)
	}

	host := u.Hostname()
	port := 0
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return Locator{}, wrapf(ErrInvalidLocator, "%s: bad port %q", raw, p)
		}
	}

	return Locator{
		Scheme: u.Scheme,
		Host:   host,
		Port:   port,
		Path:   strings.TrimPrefix(u.Path, "/"),
	}, nil
}

// NodeID is an opaque value that uniquely names a peer process across
// restarts within the deployment. We model it as a parsed, canonical
// locator string with no path component.
type NodeID string

func NodeIDFromLocator(l Locator) NodeID {
	return NodeID(l.NodeID())
}

// ActorID is a 64-bit integer unique within a node.
type ActorID uint64
