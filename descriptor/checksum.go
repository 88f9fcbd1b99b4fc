package descriptor

import (
	"fmt"
	"strings"
)

const (
	checksumLength = 8

	inputCharset = "0123456789()[],'/*abcdefgh@:$%{}" +
		"IJKLMNOPQRSTUVWXYZ&+-.;<=>?!^_|~" +
		"ijklmnopqrstuvwxyzABCDEFGH`#\"\\ "
	checksumCharset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"
)

var generator = [5]uint64{
	0xf5dee51989, 0xa9fdca3312, 0x1bab10e32d, 0x3706b1677a, 0x644d626ffd,
}

func polyMod(c uint64, val int) uint64 {
	c0 := c >> 35
	c = ((c & 0x7ffffffff) << 5) ^ uint64(val)
	for i, g := range generator {
		if (c0>>uint(i))&1 != 0 {
			c ^= g
		}
	}
	return c
}

// Checksum computes the 8 character checksum of a descriptor.
func Checksum(desc string) (string, error) {
	var (
		c        uint64 = 1
		cls      int
		clsCount int
	)
	for i := 0; i < len(desc); i++ {
		pos := strings.IndexByte(inputCharset, desc[i])
		if pos < 0 {
			return "", fmt.Errorf("%w: invalid character %q at "+
				"position %d", ErrInvalidChecksum, desc[i], i)
		}
		// Emit a symbol for the position inside the group, for every
		// character.
		c = polyMod(c, pos&31)
		// Accumulate the group numbers.
		cls = cls*3 + (pos >> 5)
		clsCount++
		if clsCount == 3 {
			c = polyMod(c, cls)
			cls, clsCount = 0, 0
		}
	}
	if clsCount > 0 {
		c = polyMod(c, cls)
	}
	for j := 0; j < checksumLength; j++ {
		c = polyMod(c, 0)
	}
	c ^= 1

	ret := make([]byte, checksumLength)
	for j := range ret {
		ret[j] = checksumCharset[(c>>(5*(7-uint(j))))&31]
	}
	return string(ret), nil
}

// AddChecksum appends #checksum to desc.
func AddChecksum(desc string) (string, error) {
	checksum, err := Checksum(desc)
	if err != nil {
		return "", err
	}
	return desc + "#" + checksum, nil
}

// TrimChecksum strips the checksum of desc, if any, after checking it.
func TrimChecksum(desc string) (string, error) {
	str := strings.Split(desc, "#")
	switch len(str) {
	case 1:
		return str[0], nil
	case 2:
		if len(str[1]) != checksumLength {
			return "", fmt.Errorf("%w: checksum must be %d characters",
				ErrInvalidChecksum, checksumLength)
		}
		want, err := Checksum(str[0])
		if err != nil {
			return "", err
		}
		if want != str[1] {
			return "", fmt.Errorf("%w: expected %s, got %s",
				ErrInvalidChecksum, want, str[1])
		}
		return str[0], nil
	default:
		return "", fmt.Errorf("%w: descriptor should contain one # "+
			"symbol", ErrInvalidChecksum)
	}
}
