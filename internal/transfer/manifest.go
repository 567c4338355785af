package transfer

import (
	"crypto/sha256"
	"encoding/json"
	"sort"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Manifest summarizes which instances transferred successfully vs. failed.
// Its hash is the claimed proof of fulfillment submitted to the ledger.
type Manifest struct {
	Success []string `json:"success"`
	Failed  []string `json:"failed"`
}

// canonical returns the fixed-shape, order-independent encoding that gets
// hashed: both id lists sorted, keys in a fixed order, empty lists as [].
func (m Manifest) canonical() []byte {
	success := append([]string(nil), m.Success...)
	failed := append([]string(nil), m.Failed...)
	sort.Strings(success)
	sort.Strings(failed)
	if success == nil {
		success = []string{}
	}
	if failed == nil {
		failed = []string{}
	}

	data, err := json.Marshal(struct {
		Failed  []string `json:"failed"`
		Success []string `json:"success"`
	}{Failed: failed, Success: success})
	if err != nil {
		// Two string slices cannot fail to marshal.
		panic(err)
	}
	return data
}

// Hash32 returns the manifest digest as a ledger bytes32 value
func (m Manifest) Hash32() [32]byte {
	return sha256.Sum256(m.canonical())
}

// Hash returns the manifest digest as a 0x-prefixed hex string
func (m Manifest) Hash() string {
	sum := m.Hash32()
	return hexutil.Encode(sum[:])
}
