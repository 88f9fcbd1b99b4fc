// Package slip21 implements SLIP-0021 hierarchical derivation of symmetric
// keys from a master seed.
package slip21

import (
	"crypto/hmac"
	"crypto/sha512"
	"errors"
)

var (
	domain = []byte("Symmetric key seed")
	prefix = byte(0)

	// ErrInvalidSeed is returned when the seed is empty.
	ErrInvalidSeed = errors.New("invalid seed")
)

// Node is a node of the SLIP-0021 tree. The first half of its data is the
// derivation key for children, the second half is the symmetric key.
type Node struct {
	data [64]byte
}

// FromSeed derives the master node of the given seed.
func FromSeed(seed []byte) (*Node, error) {
	if len(seed) == 0 {
		return nil, ErrInvalidSeed
	}

	hmacRoot := hmac.New(sha512.New, domain)
	hmacRoot.Write(seed)

	n := &Node{}
	copy(n.data[:], hmacRoot.Sum(nil))
	return n, nil
}

// Derive returns the node found following labels from n.
func (n *Node) Derive(labels ...string) *Node {
	cur := n
	for _, label := range labels {
		h := hmac.New(sha512.New, cur.data[:32])
		h.Write([]byte{prefix})
		h.Write([]byte(label))

		child := &Node{}
		copy(child.data[:], h.Sum(nil))
		cur = child
	}
	return cur
}

// Key returns the symmetric key of the node.
func (n *Node) Key() [32]byte {
	var key [32]byte
	copy(key[:], n.data[32:])
	return key
}
