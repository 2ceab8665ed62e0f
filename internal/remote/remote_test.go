//go:build !tsnet

package remote

import "testing"

func TestNewNodeFailsWithoutTsnetBuildTag(t *testing.T) {
	_, err := NewNode(Config{Hostname: "test"})
	if err != ErrNotBuilt {
		t.Fatalf("NewNode error = %v, want ErrNotBuilt", err)
	}
}
