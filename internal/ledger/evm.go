package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// CustodyABI is the subset of the custody contract the coordinator calls.
const CustodyABI = `[
  {"type":"function","name":"submitIntent","stateMutability":"nonpayable","inputs":[
    {"name":"intentId","type":"bytes32"},{"name":"user","type":"address"},{"name":"amount","type":"uint256"},
    {"name":"targetClass","type":"string"},{"name":"externalReference","type":"string"}],"outputs":[]},
  {"type":"function","name":"executeIntent","stateMutability":"nonpayable","inputs":[
    {"name":"intentId","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"refundIntent","stateMutability":"nonpayable","inputs":[
    {"name":"intentId","type":"bytes32"},{"name":"reason","type":"string"}],"outputs":[]},
  {"type":"function","name":"getIntentStatus","stateMutability":"view","inputs":[
    {"name":"intentId","type":"bytes32"}],"outputs":[{"name":"","type":"uint8"}]},
  {"type":"event","name":"IntentSubmitted","anonymous":false,"inputs":[
    {"name":"intentId","type":"bytes32","indexed":true},{"name":"user","type":"address","indexed":true},
    {"name":"targetClass","type":"string","indexed":true},{"name":"amount","type":"uint256","indexed":false},
    {"name":"externalReference","type":"string","indexed":false}]},
  {"type":"event","name":"IntentExecuted","anonymous":false,"inputs":[
    {"name":"intentId","type":"bytes32","indexed":true},{"name":"user","type":"address","indexed":true},
    {"name":"targetClass","type":"string","indexed":true},{"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"IntentRefunded","anonymous":false,"inputs":[
    {"name":"intentId","type":"bytes32","indexed":true},{"name":"reason","type":"string","indexed":false}]}
]`

// revert reasons emitted by the custody contract
var revertReasons = map[string]error{
	"NotPending":    ErrNotPending,
	"IntentExists":  ErrExists,
	"UnknownIntent": ErrUnknownIntent,
}

// EVM is a Client backed by the custody contract on an EVM chain.
type EVM struct {
	client       *ethclient.Client
	contract     common.Address
	abi          abi.ABI
	key          *ecdsa.PrivateKey
	from         common.Address
	chainID      *big.Int
	timeout      time.Duration
	pollInterval time.Duration

	// serializes nonce allocation across concurrent sends
	sendMu sync.Mutex
}

// DialEVM connects to rpcURL and prepares a signer for the executor key.
func DialEVM(ctx context.Context, rpcURL, contract, privateKeyHex string, timeout time.Duration) (*EVM, error) {
	if !common.IsHexAddress(contract) {
		return nil, fmt.Errorf("invalid contract address %q", contract)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	parsed, err := abi.JSON(strings.NewReader(CustodyABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ABI: %w", err)
	}

	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}

	return &EVM{
		client:       client,
		contract:     common.HexToAddress(contract),
		abi:          parsed,
		key:          key,
		from:         crypto.PubkeyToAddress(key.PublicKey),
		chainID:      chainID,
		timeout:      timeout,
		pollInterval: time.Second,
	}, nil
}

// Close releases the RPC connection.
func (e *EVM) Close() { e.client.Close() }

func (e *EVM) Submit(ctx context.Context, p SubmitParams) error {
	return e.transact(ctx, "ledger.submit", "submitIntent",
		intentKey(p.IntentID), common.HexToAddress(p.User), p.Amount, p.TargetClass, p.ExternalReference)
}

func (e *EVM) Execute(ctx context.Context, intentID string) error {
	return e.transact(ctx, "ledger.execute", "executeIntent", intentKey(intentID))
}

func (e *EVM) Refund(ctx context.Context, intentID, reason string) error {
	return e.transact(ctx, "ledger.refund", "refundIntent", intentKey(intentID), reason)
}

func (e *EVM) GetStatus(ctx context.Context, intentID string) (Status, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	data, err := e.abi.Pack("getIntentStatus", intentKey(intentID))
	if err != nil {
		return StatusNone, fmt.Errorf("failed to pack method call: %w", err)
	}
	out, err := e.client.CallContract(ctx, ethereum.CallMsg{To: &e.contract, Data: data}, nil)
	if err != nil {
		return StatusNone, classify("ledger.status", fmt.Errorf("contract call failed: %w", err))
	}
	values, err := e.abi.Unpack("getIntentStatus", out)
	if err != nil {
		return StatusNone, fmt.Errorf("failed to unpack result: %w", err)
	}
	if len(values) != 1 {
		return StatusNone, fmt.Errorf("unexpected status output arity %d", len(values))
	}
	raw, ok := values[0].(uint8)
	if !ok || Status(raw) > StatusRefunded {
		return StatusNone, fmt.Errorf("unexpected status value %v", values[0])
	}
	return Status(raw), nil
}

func (e *EVM) transact(ctx context.Context, op, method string, args ...any) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	data, err := e.abi.Pack(method, args...)
	if err != nil {
		return fmt.Errorf("failed to pack %s: %w", method, err)
	}

	signed, err := e.send(ctx, op, data)
	if err != nil {
		return err
	}

	receipt, err := e.waitMined(ctx, signed.Hash())
	if err != nil {
		return classify(op, fmt.Errorf("waiting for %s: %w", signed.Hash().Hex(), err))
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("%s: transaction %s reverted", op, signed.Hash().Hex())
	}
	return nil
}

func (e *EVM) send(ctx context.Context, op string, data []byte) (*types.Transaction, error) {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	nonce, err := e.client.PendingNonceAt(ctx, e.from)
	if err != nil {
		return nil, classify(op, fmt.Errorf("failed to get nonce: %w", err))
	}
	gasPrice, err := e.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, classify(op, fmt.Errorf("failed to get gas price: %w", err))
	}
	gas, err := e.client.EstimateGas(ctx, ethereum.CallMsg{From: e.from, To: &e.contract, Data: data})
	if err != nil {
		return nil, revertError(op, err)
	}

	tx := types.NewTransaction(nonce, e.contract, big.NewInt(0), gas, gasPrice, data)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(e.chainID), e.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	if err := e.client.SendTransaction(ctx, signed); err != nil {
		return nil, classify(op, fmt.Errorf("failed to send transaction: %w", err))
	}
	return signed, nil
}

func (e *EVM) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()
	for {
		receipt, err := e.client.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// revertError maps a gas-estimation failure to a ledger sentinel when the contract reverted
// with a known reason; anything else is classified as usual.
func revertError(op string, err error) error {
	msg := err.Error()
	for reason, sentinel := range revertReasons {
		if strings.Contains(msg, reason) {
			return fmt.Errorf("%w: %v", sentinel, err)
		}
	}
	return classify(op, err)
}

func intentKey(intentID string) [32]byte {
	return common.HexToHash(intentID)
}
