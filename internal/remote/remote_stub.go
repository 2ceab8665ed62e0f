//go:build !tsnet

package remote

import "errors"

// ErrNotBuilt is returned by NewNode when the daemon was compiled without
// the `tsnet` build tag.
var ErrNotBuilt = errors.New("remote: binary built without tsnet support (build with -tags tsnet)")

// NewNode always fails in a non-tsnet build.
func NewNode(cfg Config) (Node, error) {
	return nil, ErrNotBuilt
}
