package ledger

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/medibridge/dicom-bridge/pkg/logger"
	"github.com/medibridge/dicom-bridge/pkg/types"
)

// consentABI covers the read surface of the consent contract plus the
// fulfillment confirmation call packed by the local signer.
const consentABI = `[
	{"type":"function","name":"getRequest","stateMutability":"view","inputs":[{"name":"requestId","type":"uint256"}],"outputs":[{"name":"patient","type":"address"},{"name":"providerKey","type":"bytes32"},{"name":"requesterKey","type":"bytes32"},{"name":"status","type":"uint8"},{"name":"manifestHash","type":"bytes32"}]},
	{"type":"function","name":"clinicOperator","stateMutability":"view","inputs":[{"name":"clinicKey","type":"bytes32"}],"outputs":[{"name":"operator","type":"address"}]},
	{"type":"function","name":"fulfillRequest","stateMutability":"nonpayable","inputs":[{"name":"requestId","type":"uint256"},{"name":"manifestHash","type":"bytes32"}],"outputs":[]},
	{"type":"event","name":"PatientApproved","anonymous":false,"inputs":[{"name":"requestId","type":"uint256","indexed":true},{"name":"patient","type":"address","indexed":true},{"name":"providerKey","type":"bytes32","indexed":false},{"name":"requesterKey","type":"bytes32","indexed":false}]}
]`

// Approval is one observed consent event
type Approval struct {
	RequestID    uint64
	Patient      common.Address
	ProviderKey  [32]byte
	RequesterKey [32]byte
	Block        uint64
}

// Reader is the read-only view of the consent ledger consumed by the
// orchestrator, the gateway's consent gate, and fulfillment polling.
type Reader interface {
	HeadBlock(ctx context.Context) (uint64, error)
	Request(ctx context.Context, id uint64) (*types.AccessRequest, error)
	ClinicOperator(ctx context.Context, clinicKey [32]byte) (common.Address, error)
	ApprovalEvents(ctx context.Context, fromBlock, toBlock uint64) ([]Approval, error)
}

// Client implements Reader over an EVM JSON-RPC endpoint
type Client struct {
	eth      *ethclient.Client
	contract common.Address
	abi      abi.ABI
	timeout  time.Duration
	logger   *logger.Logger
}

// Dial connects to the ledger RPC endpoint and validates the contract address
func Dial(rpcURL, contractAddr string, callTimeout time.Duration, log *logger.Logger) (*Client, error) {
	if !common.IsHexAddress(contractAddr) {
		return nil, fmt.Errorf("invalid consent contract address: %q", contractAddr)
	}

	parsed, err := abi.JSON(strings.NewReader(consentABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse consent ABI: %w", err)
	}

	eth, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial ledger RPC: %w", err)
	}

	return &Client{
		eth:      eth,
		contract: common.HexToAddress(contractAddr),
		abi:      parsed,
		timeout:  callTimeout,
		logger:   log,
	}, nil
}

// Close releases the underlying RPC connection
func (c *Client) Close() {
	c.eth.Close()
}

// Eth exposes the underlying client for transaction submission
func (c *Client) Eth() *ethclient.Client {
	return c.eth
}

// Contract returns the consent contract address
func (c *Client) Contract() common.Address {
	return c.contract
}

// ABI returns the parsed consent contract ABI
func (c *Client) ABI() abi.ABI {
	return c.abi
}

// HeadBlock returns the current head block number
func (c *Client) HeadBlock(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	head, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to query head block: %w", err)
	}
	return head, nil
}

// Request reads one access request from the contract
func (c *Client) Request(ctx context.Context, id uint64) (*types.AccessRequest, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	data, err := c.abi.Pack("getRequest", new(big.Int).SetUint64(id))
	if err != nil {
		return nil, fmt.Errorf("failed to pack getRequest: %w", err)
	}

	out, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("getRequest call failed: %w", err)
	}

	vals, err := c.abi.Unpack("getRequest", out)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack getRequest: %w", err)
	}
	if len(vals) != 5 {
		return nil, fmt.Errorf("getRequest returned %d values, want 5", len(vals))
	}

	req := &types.AccessRequest{
		ID:           id,
		Patient:      vals[0].(common.Address),
		ProviderKey:  vals[1].([32]byte),
		RequesterKey: vals[2].([32]byte),
		Status:       types.RequestStatus(vals[3].(uint8)),
		ManifestHash: vals[4].([32]byte),
	}
	return req, nil
}

// ClinicOperator returns the operator address registered for a clinic key.
// The zero address means the clinic is not registered on the ledger.
func (c *Client) ClinicOperator(ctx context.Context, clinicKey [32]byte) (common.Address, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	data, err := c.abi.Pack("clinicOperator", clinicKey)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to pack clinicOperator: %w", err)
	}

	out, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: data}, nil)
	if err != nil {
		return common.Address{}, fmt.Errorf("clinicOperator call failed: %w", err)
	}

	vals, err := c.abi.Unpack("clinicOperator", out)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to unpack clinicOperator: %w", err)
	}
	return vals[0].(common.Address), nil
}

// ApprovalEvents returns the consent events emitted in [fromBlock, toBlock]
func (c *Client) ApprovalEvents(ctx context.Context, fromBlock, toBlock uint64) ([]Approval, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	event := c.abi.Events["PatientApproved"]
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{c.contract},
		Topics:    [][]common.Hash{{event.ID}},
	}

	logs, err := c.eth.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to filter consent events: %w", err)
	}

	approvals := make([]Approval, 0, len(logs))
	for _, lg := range logs {
		if len(lg.Topics) < 3 {
			continue
		}

		vals, err := c.abi.Unpack("PatientApproved", lg.Data)
		if err != nil {
			c.logger.WithComponent("ledger").WithError(err).
				Warn("Skipping undecodable consent event")
			continue
		}

		approvals = append(approvals, Approval{
			RequestID:    new(big.Int).SetBytes(lg.Topics[1].Bytes()).Uint64(),
			Patient:      common.BytesToAddress(lg.Topics[2].Bytes()),
			ProviderKey:  vals[0].([32]byte),
			RequesterKey: vals[1].([32]byte),
			Block:        lg.BlockNumber,
		})
	}

	return approvals, nil
}

// ClinicKey derives the stable ledger key for a human-readable clinic id
func ClinicKey(clinicID string) [32]byte {
	var key [32]byte
	copy(key[:], crypto.Keccak256([]byte(clinicID)))
	return key
}
