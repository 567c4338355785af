package signer

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"github.com/medibridge/dicom-bridge/internal/ledger"
	"github.com/medibridge/dicom-bridge/pkg/config"
	"github.com/medibridge/dicom-bridge/pkg/logger"
	"github.com/medibridge/dicom-bridge/pkg/types"
)

// fulfillGasLimit is a generous fixed limit for the confirmation call
const fulfillGasLimit = 200_000

// Confirmation is the handle returned by a fulfillment dispatch. For the
// local submitter it is the transaction hash; a remote delegate returns
// whatever handle it acknowledged with.
type Confirmation struct {
	Handle    string    `json:"handle"`
	Submitted time.Time `json:"submitted"`
}

// Fulfiller dispatches the on-chain fulfillment confirmation for one
// request. Dispatch alone does not guarantee inclusion; callers must poll
// ledger state with WaitForFulfillment afterwards.
type Fulfiller interface {
	Fulfill(ctx context.Context, requestID uint64, manifestHash [32]byte) (*Confirmation, error)
}

// New selects a fulfiller implementation from configuration
func New(cfg config.SignerConfig, led *ledger.Client, log *logger.Logger) (Fulfiller, error) {
	switch cfg.Mode {
	case "noop":
		return &NoopFulfiller{logger: log}, nil
	case "local":
		return newLocalFulfiller(cfg, led, log)
	case "remote":
		return newRemoteFulfiller(cfg.Remote, log)
	default:
		return nil, fmt.Errorf("unknown signer mode: %q", cfg.Mode)
	}
}

// NoopFulfiller returns a synthetic confirmation handle without touching
// the ledger. Development and test use only.
type NoopFulfiller struct {
	logger *logger.Logger
}

// Fulfill returns a synthetic confirmation handle
func (f *NoopFulfiller) Fulfill(_ context.Context, requestID uint64, _ [32]byte) (*Confirmation, error) {
	handle := "noop-" + uuid.New().String()
	if f.logger != nil {
		f.logger.WithComponent("signer").WithFields(map[string]interface{}{
			"request_id": requestID,
			"handle":     handle,
		}).Info("Skipping fulfillment submission (noop signer)")
	}
	return &Confirmation{Handle: handle, Submitted: time.Now().UTC()}, nil
}

// LocalFulfiller signs and submits the confirmation transaction with a
// locally held key
type LocalFulfiller struct {
	led     *ledger.Client
	key     *ecdsa.PrivateKey
	from    common.Address
	chainID *big.Int
	logger  *logger.Logger
}

func newLocalFulfiller(cfg config.SignerConfig, led *ledger.Client, log *logger.Logger) (*LocalFulfiller, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid signer private key: %w", err)
	}
	if cfg.ChainID == 0 {
		return nil, fmt.Errorf("local signer requires a chain id")
	}

	return &LocalFulfiller{
		led:     led,
		key:     key,
		from:    crypto.PubkeyToAddress(key.PublicKey),
		chainID: big.NewInt(cfg.ChainID),
		logger:  log,
	}, nil
}

// Fulfill packs, signs and submits the fulfillment call
func (f *LocalFulfiller) Fulfill(ctx context.Context, requestID uint64, manifestHash [32]byte) (*Confirmation, error) {
	data, err := f.led.ABI().Pack("fulfillRequest", new(big.Int).SetUint64(requestID), manifestHash)
	if err != nil {
		return nil, fmt.Errorf("failed to pack fulfillRequest: %w", err)
	}

	eth := f.led.Eth()
	nonce, err := eth.PendingNonceAt(ctx, f.from)
	if err != nil {
		return nil, fmt.Errorf("failed to query account nonce: %w", err)
	}
	gasPrice, err := eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query gas price: %w", err)
	}

	contract := f.led.Contract()
	tx := ethtypes.NewTx(&ethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &contract,
		Gas:      fulfillGasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})

	signed, err := ethtypes.SignTx(tx, ethtypes.LatestSignerForChainID(f.chainID), f.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign fulfillment transaction: %w", err)
	}
	if err := eth.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("failed to submit fulfillment transaction: %w", err)
	}

	f.logger.Ledger("fulfill", requestID, true, map[string]interface{}{
		"tx_hash": signed.Hash().Hex(),
	})
	return &Confirmation{Handle: signed.Hash().Hex(), Submitted: time.Now().UTC()}, nil
}

// WaitForFulfillment polls ledger state until the request reads as
// fulfilled or attempts are exhausted. The latter is a timeout error:
// a signer's acknowledgement does not itself guarantee inclusion.
func WaitForFulfillment(ctx context.Context, reader ledger.Reader, requestID uint64, attempts int, interval time.Duration) error {
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		req, err := reader.Request(ctx, requestID)
		if err != nil {
			lastErr = err
		} else if req.Status == types.StatusFulfilled {
			return nil
		}

		if attempt < attempts {
			select {
			case <-time.After(interval):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	if lastErr != nil {
		return types.NewTimeoutError(types.ErrCodeTimeout,
			fmt.Sprintf("request %d not observed fulfilled after %d attempts (last error: %v)", requestID, attempts, lastErr))
	}
	return types.NewTimeoutError(types.ErrCodeTimeout,
		fmt.Sprintf("request %d not observed fulfilled after %d attempts", requestID, attempts))
}
