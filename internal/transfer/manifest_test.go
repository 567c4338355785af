package transfer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestManifest_Hash_OrderIndependent(t *testing.T) {
	a := Manifest{Success: []string{"inst-b", "inst-a"}, Failed: []string{"inst-c"}}
	b := Manifest{Success: []string{"inst-a", "inst-b"}, Failed: []string{"inst-c"}}

	assert.Equal(t, a.Hash(), b.Hash())
}

func TestManifest_Hash_DistinguishesOutcomes(t *testing.T) {
	completed := Manifest{Success: []string{"inst-a", "inst-b"}}
	partial := Manifest{Success: []string{"inst-a"}, Failed: []string{"inst-b"}}

	assert.NotEqual(t, completed.Hash(), partial.Hash())
}

func TestManifest_Hash_EmptyListsCanonical(t *testing.T) {
	var zero Manifest
	explicit := Manifest{Success: []string{}, Failed: []string{}}

	assert.Equal(t, zero.Hash(), explicit.Hash())
}

func TestManifest_Hash_Format(t *testing.T) {
	hash := Manifest{Success: []string{"inst-a"}}.Hash()

	assert.True(t, strings.HasPrefix(hash, "0x"))
	assert.Len(t, hash, 66)
}

func TestManifest_Hash32_MatchesHash(t *testing.T) {
	m := Manifest{Success: []string{"inst-a"}, Failed: []string{"inst-b"}}

	sum := m.Hash32()
	assert.Equal(t, m.Hash(), "0x"+hexString(sum[:]))
}

func hexString(data []byte) string {
	const digits = "0123456789abcdef"
	out := make([]byte, 0, len(data)*2)
	for _, b := range data {
		out = append(out, digits[b>>4], digits[b&0xf])
	}
	return string(out)
}
