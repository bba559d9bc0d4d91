package facilitator

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	x402 "github.com/Abhi270303/Disburse-AI-sub001"
	"github.com/Abhi270303/Disburse-AI-sub001/mechanisms/evm"
)

// ErrInsufficientFunds is returned by an Executor when the payer cannot
// cover the authorized value.
var ErrInsufficientFunds = errors.New("facilitator: insufficient funds")

// Executor moves funds for a verified authorization and returns the
// transaction reference.
type Executor interface {
	Transfer(ctx context.Context, network, asset string, auth *x402.Authorization, signature string) (string, error)
}

// SimulatedExecutor settles without a chain. With no funded accounts it
// accepts every transfer; once Fund has been called it tracks balances and
// rejects overdrafts.
type SimulatedExecutor struct {
	mu       sync.Mutex
	balances map[string]*big.Int
}

// NewSimulatedExecutor returns an executor in which every unfunded payer
// can pay any amount.
func NewSimulatedExecutor() *SimulatedExecutor {
	return &SimulatedExecutor{}
}

// Fund credits address with amount atomic units.
func (e *SimulatedExecutor) Fund(address string, amount *big.Int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.balances == nil {
		e.balances = make(map[string]*big.Int)
	}
	key := strings.ToLower(address)
	bal, ok := e.balances[key]
	if !ok {
		bal = new(big.Int)
	}
	e.balances[key] = new(big.Int).Add(bal, amount)
}

// Balance returns the tracked balance of address.
func (e *SimulatedExecutor) Balance(address string) *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()

	if bal, ok := e.balances[strings.ToLower(address)]; ok {
		return new(big.Int).Set(bal)
	}
	return new(big.Int)
}

func (e *SimulatedExecutor) Transfer(_ context.Context, network, asset string, auth *x402.Authorization, signature string) (string, error) {
	value, err := evm.ParseUint256(auth.Value)
	if err != nil {
		return "", fmt.Errorf("invalid value: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.balances != nil {
		from, to := strings.ToLower(auth.From), strings.ToLower(auth.To)
		bal, ok := e.balances[from]
		if !ok || bal.Cmp(value) < 0 {
			return "", ErrInsufficientFunds
		}
		e.balances[from] = new(big.Int).Sub(bal, value)
		toBal, ok := e.balances[to]
		if !ok {
			toBal = new(big.Int)
		}
		e.balances[to] = new(big.Int).Add(toBal, value)
	}

	hash := crypto.Keccak256([]byte(network), []byte(strings.ToLower(asset)), []byte(auth.Nonce), []byte(signature))
	return hexutil.Encode(hash), nil
}

// EthClient is the subset of ethclient.Client the chain executor needs.
type EthClient interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
}

const tokenABIJSON = `[
	{
		"type": "function",
		"name": "balanceOf",
		"inputs": [{"name": "account", "type": "address"}],
		"outputs": [{"name": "", "type": "uint256"}],
		"constant": true
	},
	{
		"type": "function",
		"name": "transferWithAuthorization",
		"inputs": [
			{"name": "from", "type": "address"},
			{"name": "to", "type": "address"},
			{"name": "value", "type": "uint256"},
			{"name": "validAfter", "type": "uint256"},
			{"name": "validBefore", "type": "uint256"},
			{"name": "nonce", "type": "bytes32"},
			{"name": "v", "type": "uint8"},
			{"name": "r", "type": "bytes32"},
			{"name": "s", "type": "bytes32"}
		],
		"outputs": [],
		"constant": false
	}
]`

var tokenABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(tokenABIJSON))
	if err != nil {
		panic(fmt.Sprintf("parse token ABI: %v", err))
	}
	return parsed
}()

// ChainExecutor submits transferWithAuthorization transactions to an EVM
// chain, paying gas from its own key. It returns once the transaction is
// accepted by the node.
type ChainExecutor struct {
	client  EthClient
	key     *ecdsa.PrivateKey
	address common.Address
	network string
	chainID *big.Int
}

// DialChainExecutor connects to rpcURL and settles on network.
func DialChainExecutor(rpcURL, network, privateKeyHex string) (*ChainExecutor, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial RPC client: %w", err)
	}
	return NewChainExecutor(client, network, privateKeyHex)
}

// NewChainExecutor settles on network through client.
func NewChainExecutor(client EthClient, network, privateKeyHex string) (*ChainExecutor, error) {
	cfg, err := evm.GetNetworkConfig(network)
	if err != nil {
		return nil, err
	}
	pk, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse facilitator private key: %w", err)
	}
	return &ChainExecutor{
		client:  client,
		network: network,
		chainID: cfg.ChainID,
		key:     pk,
		address: crypto.PubkeyToAddress(pk.PublicKey),
	}, nil
}

// Address is the account that pays gas.
func (e *ChainExecutor) Address() string {
	return e.address.Hex()
}

func (e *ChainExecutor) Transfer(ctx context.Context, network, asset string, auth *x402.Authorization, signature string) (string, error) {
	if network != e.network {
		return "", fmt.Errorf("executor settles on %s, not %s", e.network, network)
	}
	if !common.IsHexAddress(asset) {
		return "", fmt.Errorf("invalid asset address %q", asset)
	}
	contract := common.HexToAddress(asset)
	from := common.HexToAddress(auth.From)

	value, err := evm.ParseUint256(auth.Value)
	if err != nil {
		return "", fmt.Errorf("invalid value: %w", err)
	}
	validAfter, err := evm.ParseUint256(auth.ValidAfter)
	if err != nil {
		return "", fmt.Errorf("invalid validAfter: %w", err)
	}
	validBefore, err := evm.ParseUint256(auth.ValidBefore)
	if err != nil {
		return "", fmt.Errorf("invalid validBefore: %w", err)
	}
	nonce, err := evm.ParseNonce(auth.Nonce)
	if err != nil {
		return "", err
	}
	sig, err := evm.HexToBytes(signature)
	if err != nil || len(sig) != crypto.SignatureLength {
		return "", errors.New("invalid signature")
	}

	balance, err := e.balanceOf(ctx, contract, from)
	if err != nil {
		return "", err
	}
	if balance.Cmp(value) < 0 {
		return "", ErrInsufficientFunds
	}

	var r, s [32]byte
	copy(r[:], sig[0:32])
	copy(s[:], sig[32:64])
	v := sig[64]
	if v < 27 {
		v += 27
	}

	data, err := tokenABI.Pack("transferWithAuthorization",
		from,
		common.HexToAddress(auth.To),
		value,
		validAfter,
		validBefore,
		nonce,
		v,
		r,
		s,
	)
	if err != nil {
		return "", fmt.Errorf("failed to pack call data: %w", err)
	}

	txNonce, err := e.client.PendingNonceAt(ctx, e.address)
	if err != nil {
		return "", fmt.Errorf("failed to get pending nonce: %w", err)
	}
	tipCap, err := e.client.SuggestGasTipCap(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to suggest gas tip cap: %w", err)
	}
	head, err := e.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to get block header: %w", err)
	}
	if head.BaseFee == nil {
		return "", errors.New("block header missing base fee")
	}
	feeCap := new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tipCap)

	gas, err := e.client.EstimateGas(ctx, ethereum.CallMsg{From: e.address, To: &contract, Data: data})
	if err != nil {
		return "", fmt.Errorf("failed to estimate gas: %w", err)
	}
	gas = gas * 120 / 100

	tx := ethtypes.NewTx(&ethtypes.DynamicFeeTx{
		ChainID:   e.chainID,
		Nonce:     txNonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &contract,
		Value:     big.NewInt(0),
		Data:      data,
	})
	signed, err := ethtypes.SignTx(tx, ethtypes.NewLondonSigner(e.chainID), e.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}
	if err := e.client.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("failed to send transaction: %w", err)
	}
	return signed.Hash().Hex(), nil
}

func (e *ChainExecutor) balanceOf(ctx context.Context, contract, account common.Address) (*big.Int, error) {
	data, err := tokenABI.Pack("balanceOf", account)
	if err != nil {
		return nil, fmt.Errorf("failed to pack balanceOf: %w", err)
	}
	out, err := e.client.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to call balanceOf: %w", err)
	}
	values, err := tokenABI.Unpack("balanceOf", out)
	if err != nil || len(values) != 1 {
		return nil, fmt.Errorf("failed to unpack balanceOf: %v", err)
	}
	balance, ok := values[0].(*big.Int)
	if !ok {
		return nil, errors.New("unexpected balanceOf result")
	}
	return balance, nil
}
