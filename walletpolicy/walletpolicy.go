// Package walletpolicy computes the identity of a wallet policy and issues
// and checks the registration tag that proves a policy was approved on the
// device.
package walletpolicy

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/fastsha256"
	"github.com/vulpemventures/go-walletpolicy/descriptor"
	"github.com/vulpemventures/go-walletpolicy/keyinfo"
	"github.com/vulpemventures/go-walletpolicy/network"
)

const (
	// Version is the serialization version of wallet policies.
	Version = 0x02

	// MaxNameLength is the maximum length of a policy name.
	MaxNameLength = 64
	// MaxKeys is the maximum number of keys of a policy.
	MaxKeys = 252
	// MaxTemplateLength is the maximum length of a descriptor template.
	MaxTemplateLength = 4096
)

var (
	// ErrInvalidPolicy is returned when a policy violates the limits on
	// its name, template or keys.
	ErrInvalidPolicy = errors.New("invalid wallet policy")

	leafPrefix = []byte{0x00}
	nodePrefix = []byte{0x01}
)

// Policy is a named descriptor template together with the information of
// the keys its placeholders refer to. The order of KeysInfo is meaningful.
type Policy struct {
	Name               string
	DescriptorTemplate string
	KeysInfo           []string
}

// New returns a validated policy.
func New(name, template string, keysInfo []string) (*Policy, error) {
	p := &Policy{
		Name:               name,
		DescriptorTemplate: template,
		KeysInfo:           append([]string(nil), keysInfo...),
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate checks the size limits of the policy. It does not parse the
// template, see Parse.
func (p *Policy) Validate() error {
	if len(p.Name) == 0 || len(p.Name) > MaxNameLength {
		return fmt.Errorf("%w: name must be 1 to %d characters long",
			ErrInvalidPolicy, MaxNameLength)
	}
	for i := 0; i < len(p.Name); i++ {
		if c := p.Name[i]; c < 0x20 || c > 0x7e {
			return fmt.Errorf("%w: name has non printable character "+
				"at position %d", ErrInvalidPolicy, i)
		}
	}
	if p.Name[0] == ' ' || p.Name[len(p.Name)-1] == ' ' {
		return fmt.Errorf("%w: name can't start or end with a space",
			ErrInvalidPolicy)
	}

	if len(p.DescriptorTemplate) == 0 ||
		len(p.DescriptorTemplate) > MaxTemplateLength {

		return fmt.Errorf("%w: template must be 1 to %d bytes long",
			ErrInvalidPolicy, MaxTemplateLength)
	}

	if len(p.KeysInfo) == 0 || len(p.KeysInfo) > MaxKeys {
		return fmt.Errorf("%w: policy must have 1 to %d keys",
			ErrInvalidPolicy, MaxKeys)
	}
	for i, k := range p.KeysInfo {
		if len(k) == 0 {
			return fmt.Errorf("%w: key %d is empty", ErrInvalidPolicy, i)
		}
	}

	return nil
}

// Serialize returns the version 2 serialization of the policy:
//
//	version | len(name) | name | varint(len(template)) | sha256(template) |
//	varint(len(keys)) | merkle_root(keys)
func (p *Policy) Serialize() []byte {
	var buf bytes.Buffer

	buf.WriteByte(Version)
	buf.WriteByte(byte(len(p.Name)))
	buf.WriteString(p.Name)

	// Writes to a bytes.Buffer never fail.
	_ = wire.WriteVarInt(&buf, 0, uint64(len(p.DescriptorTemplate)))
	templateHash := fastsha256.Sum256([]byte(p.DescriptorTemplate))
	buf.Write(templateHash[:])

	_ = wire.WriteVarInt(&buf, 0, uint64(len(p.KeysInfo)))
	root := KeysMerkleRoot(p.KeysInfo)
	buf.Write(root[:])

	return buf.Bytes()
}

// ID returns the wallet id, the sha256 of the serialized policy.
func (p *Policy) ID() [32]byte {
	return fastsha256.Sum256(p.Serialize())
}

// Parse parses the keys information for the given network and binds them
// to the template.
func (p *Policy) Parse(net *network.Network) (*descriptor.Policy, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	keys, err := keyinfo.ParseAll(p.KeysInfo, net)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", descriptor.ErrMalformedTemplate, err)
	}

	return descriptor.Parse(p.DescriptorTemplate, keys)
}

// KeysMerkleRoot returns the root of the merkle tree whose leaves are the
// keys information strings, in order. The tree of n leaves is split at the
// largest power of two strictly smaller than n.
func KeysMerkleRoot(keys []string) [32]byte {
	leaves := make([][32]byte, len(keys))
	for i, k := range keys {
		leaves[i] = fastsha256.Sum256(append(leafPrefix[:1:1], k...))
	}
	return merkleRoot(leaves)
}

func merkleRoot(leaves [][32]byte) [32]byte {
	switch len(leaves) {
	case 0:
		return [32]byte{}
	case 1:
		return leaves[0]
	}

	split := 1
	for split*2 < len(leaves) {
		split *= 2
	}
	left := merkleRoot(leaves[:split])
	right := merkleRoot(leaves[split:])

	buf := make([]byte, 0, 65)
	buf = append(buf, nodePrefix...)
	buf = append(buf, left[:]...)
	buf = append(buf, right[:]...)
	return fastsha256.Sum256(buf)
}

func (p *Policy) String() string {
	return fmt.Sprintf("%s: %s", p.Name, p.DescriptorTemplate)
}
