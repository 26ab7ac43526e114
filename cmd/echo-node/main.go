// Command echo-node runs a single meridian node that exposes one local
// path and logs every message it receives; it sends no replies and no
// messages of its own. Run two instances and resolve one from the other
// to see the resolve round trip end to end (the dialing node logs the
// resolved proxy):
//
//	echo-node -listen tcp://127.0.0.1:4001 -path echo
//	echo-node -listen tcp://127.0.0.1:4002 -dial tcp://127.0.0.1:4001/echo -path echo
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/fenwick-io/meridian"
)

type echoRuntime struct {
	net    *meridian.Network
	logger *slog.Logger
}

func (r *echoRuntime) Deliver(from meridian.NodeID, sender, receiver meridian.ActorID, op meridian.BASPOp, payload []byte) {
	r.logger.Info("received message", "from", from, "sender", sender, "bytes", len(payload))
}

type pathTable map[string]meridian.ActorID

func (t pathTable) Lookup(path string) (meridian.ActorID, []string, bool) {
	actor, ok := t[path]
	return actor, []string{"Echo"}, ok
}

type logResolveListener struct {
	logger *slog.Logger
}

func (l *logResolveListener) OnResolved(p *meridian.Proxy) {
	l.logger.Info("resolved peer actor", "node", p.Node, "actor", p.ID, "interfaces", p.Interfaces())
}

func (l *logResolveListener) OnError(err error) {
	l.logger.Error("resolve failed", "error", err)
}

func main() {
	listen := flag.String("listen", "tcp://127.0.0.1:4001", "this node's locator")
	dial := flag.String("dial", "", "a peer locator to resolve on startup, e.g. tcp://127.0.0.1:4001/echo")
	path := flag.String("path", "echo", "the local path this node exposes its echo actor under")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	loc, err := meridian.ParseLocator(*listen)
	if err != nil {
		logger.Error("bad -listen locator", "error", err)
		os.Exit(1)
	}

	runtime := &echoRuntime{logger: logger}
	paths := pathTable{*path: 1}

	net, err := meridian.Create(runtime, paths,
		meridian.WithThisNode(*listen),
		meridian.WithTCPPort(loc.Port),
		meridian.WithUDPPort(loc.Port),
		meridian.WithLog(logger.Handler()),
	)
	if err != nil {
		logger.Error("failed to create network", "error", err)
		os.Exit(1)
	}
	runtime.net = net
	defer net.Shutdown()

	if *dial != "" {
		target, err := meridian.ParseLocator(*dial)
		if err != nil {
			logger.Error("bad -dial locator", "error", err)
			os.Exit(1)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := net.Resolve(ctx, target, &logResolveListener{logger: logger}); err != nil {
			logger.Error("resolve request failed", "error", err)
		}
	}

	select {}
}
