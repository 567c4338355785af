package push

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/medibridge/dicom-bridge/pkg/types"
)

// contentEntry is the canonical reduction of one pushed instance: its id
// and the digest of its payload. Length and order never enter the hash.
type contentEntry struct {
	ID   string `json:"id"`
	Hash string `json:"hash"`
}

// ContentHash computes the deterministic digest over a push envelope's
// instance list. Entries are reduced to id plus payload digest and sorted
// by id, so two envelopes carrying the same instances hash identically
// regardless of ordering.
func ContentHash(instances []types.PushInstance) [32]byte {
	entries := make([]contentEntry, 0, len(instances))
	for _, instance := range instances {
		entries = append(entries, contentEntry{
			ID:   instance.InstanceID,
			Hash: hexutil.Encode(crypto.Keccak256([]byte(instance.Payload))),
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })

	data, err := json.Marshal(entries)
	if err != nil {
		panic(err)
	}

	var sum [32]byte
	copy(sum[:], crypto.Keccak256(data))
	return sum
}

// SigningMessage reconstructs the fixed-format message a provider agent
// signs for one envelope
func SigningMessage(clinicID string, requestID uint64, expiry int64, contentHash [32]byte) []byte {
	return []byte(fmt.Sprintf("dicom-bridge-push|%s|%d|%d|%s",
		clinicID, requestID, expiry, hexutil.Encode(contentHash[:])))
}

// RecoverSigner recovers the address that signed the given message with a
// 65-byte secp256k1 signature over its prefixed hash
func RecoverSigner(message []byte, signatureHex string) (common.Address, error) {
	sig, err := hexutil.Decode(signatureHex)
	if err != nil {
		return common.Address{}, fmt.Errorf("signature is not valid hex: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(sig))
	}

	// Wallets emit V as 27/28; recovery wants 0/1.
	recovery := make([]byte, crypto.SignatureLength)
	copy(recovery, sig)
	if recovery[crypto.RecoveryIDOffset] >= 27 {
		recovery[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(accounts.TextHash(message), recovery)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// SignMessage signs an envelope message the way a provider agent does.
// Exported for tests and for embedding in agent tooling.
func SignMessage(message []byte, key *ecdsa.PrivateKey) (string, error) {
	sig, err := crypto.Sign(accounts.TextHash(message), key)
	if err != nil {
		return "", fmt.Errorf("failed to sign message: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}
