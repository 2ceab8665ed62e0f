//go:build tsnet

package remote

import (
	"context"
	"fmt"
	"net"

	"tailscale.com/tsnet"
)

// tsnetNode implements Node using the real tsnet userspace tailnet stack.
type tsnetNode struct {
	srv *tsnet.Server
}

// NewNode brings up a tsnet server under cfg. The node joins the tailnet
// asynchronously; Listen blocks until the node is ready to accept the
// requested service.
func NewNode(cfg Config) (Node, error) {
	srv := &tsnet.Server{
		Hostname:  cfg.Hostname,
		Dir:       cfg.StateDir,
		Ephemeral: cfg.Ephemeral,
		AuthKey:   cfg.AuthKey,
	}
	return &tsnetNode{srv: srv}, nil
}

func (n *tsnetNode) Listen(ctx context.Context, network, addr string) (net.Listener, error) {
	if err := n.srv.Start(); err != nil {
		return nil, fmt.Errorf("start tsnet node: %w", err)
	}
	ln, err := n.srv.Listen(network, addr)
	if err != nil {
		return nil, fmt.Errorf("tsnet listen %s %s: %w", network, addr, err)
	}
	return ln, nil
}

func (n *tsnetNode) Close() error {
	return n.srv.Close()
}
