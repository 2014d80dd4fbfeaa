package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/mmynk/invoicechain/internal/apperr"
	"github.com/mmynk/invoicechain/internal/metrics"
	"github.com/mmynk/invoicechain/internal/status"
)

const registryABI = `[
  {"type":"function","name":"createInvoice","stateMutability":"nonpayable",
   "inputs":[{"name":"docHash","type":"string"},{"name":"recipient","type":"address"},{"name":"amount","type":"uint256"},
             {"name":"tokenAddress","type":"address"},{"name":"dueDate","type":"uint256"},{"name":"description","type":"string"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"payInvoiceETH","stateMutability":"payable",
   "inputs":[{"name":"id","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"payInvoiceToken","stateMutability":"nonpayable",
   "inputs":[{"name":"id","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"raiseDispute","stateMutability":"payable",
   "inputs":[{"name":"id","type":"uint256"},{"name":"reason","type":"string"}],"outputs":[]},
  {"type":"function","name":"cancelInvoice","stateMutability":"nonpayable",
   "inputs":[{"name":"id","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"getInvoice","stateMutability":"view",
   "inputs":[{"name":"id","type":"uint256"}],
   "outputs":[{"name":"id","type":"uint256"},{"name":"docHash","type":"string"},{"name":"issuer","type":"address"},
              {"name":"recipient","type":"address"},{"name":"amount","type":"uint256"},{"name":"tokenAddress","type":"address"},
              {"name":"status","type":"uint8"},{"name":"createdAt","type":"uint256"},{"name":"dueDate","type":"uint256"},
              {"name":"paidAt","type":"uint256"},{"name":"description","type":"string"}]},
  {"type":"event","name":"InvoiceCreated","anonymous":false,
   "inputs":[{"name":"id","type":"uint256","indexed":true},{"name":"issuer","type":"address","indexed":true},
             {"name":"recipient","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false}]}
]`

const erc20ABI = `[
  {"type":"function","name":"allowance","stateMutability":"view",
   "inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"approve","stateMutability":"nonpayable",
   "inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],
   "outputs":[{"name":"","type":"bool"}]}
]`

// EthConfig configures the JSON-RPC ledger client.
type EthConfig struct {
	RPCURL          string
	ContractAddress string
	// PrivateKey is the hex-encoded key of the relayer account that signs transactions.
	PrivateKey    string
	ChainID       int64
	SubmitTimeout time.Duration
	PollInterval  time.Duration
	DisputeFee    *big.Int
}

// EthLedger talks to the registry contract over JSON-RPC.
type EthLedger struct {
	client        *ethclient.Client
	registry      *bind.BoundContract
	registryABI   abi.ABI
	erc20ABI      abi.ABI
	address       common.Address
	key           *ecdsa.PrivateKey
	from          common.Address
	chainID       *big.Int
	submitTimeout time.Duration
	pollInterval  time.Duration
	disputeFee    *big.Int
	metrics       *metrics.Metrics
	logger        *slog.Logger

	// Sends from the relayer account are serialized so no two share a nonce.
	nonces nonceSequencer
}

var _ Ledger = (*EthLedger)(nil)

// DialEth connects to the RPC endpoint and binds the registry contract.
func DialEth(ctx context.Context, cfg EthConfig, m *metrics.Metrics, logger *slog.Logger) (*EthLedger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, apperr.Invalid("ledger.contract_address", "not a valid address")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, apperr.Invalid("ledger.private_key", "not a valid secp256k1 key")
	}
	registry, err := abi.JSON(strings.NewReader(registryABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse registry ABI: %w", err)
	}
	erc20, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %w", err)
	}

	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, apperr.Unavailable("dial ledger", err)
	}

	chainID := big.NewInt(cfg.ChainID)
	if cfg.ChainID == 0 {
		chainID, err = client.ChainID(ctx)
		if err != nil {
			client.Close()
			return nil, apperr.Unavailable("read chain id", err)
		}
	}

	address := common.HexToAddress(cfg.ContractAddress)
	l := &EthLedger{
		client:        client,
		registry:      bind.NewBoundContract(address, registry, client, client, client),
		registryABI:   registry,
		erc20ABI:      erc20,
		address:       address,
		key:           key,
		from:          crypto.PubkeyToAddress(key.PublicKey),
		chainID:       chainID,
		submitTimeout: cfg.SubmitTimeout,
		pollInterval:  cfg.PollInterval,
		disputeFee:    cfg.DisputeFee,
		metrics:       m,
		logger:        logger,
	}
	if l.submitTimeout <= 0 {
		l.submitTimeout = 30 * time.Second
	}
	logger.Info("Ledger connected", "contract", address.Hex(), "chain_id", chainID, "relayer", l.from.Hex())
	return l, nil
}

// Close releases the RPC connection.
func (l *EthLedger) Close() {
	l.client.Close()
}

func (l *EthLedger) CreateInvoice(ctx context.Context, p CreateInvoiceParams) (string, error) {
	return l.transact(ctx, "createInvoice", l.registry, nil,
		p.DocHash, p.Recipient, p.Amount, p.Token, big.NewInt(p.DueDate.Unix()), p.Description)
}

func (l *EthLedger) PayInvoiceETH(ctx context.Context, id int64, value *big.Int) (string, error) {
	return l.transact(ctx, "payInvoiceETH", l.registry, value, big.NewInt(id))
}

// PayInvoiceToken approves the registry for the invoice amount if the current
// allowance does not already cover it, then pays.
func (l *EthLedger) PayInvoiceToken(ctx context.Context, id int64) (string, error) {
	inv, err := l.GetInvoice(ctx, id)
	if err != nil {
		return "", err
	}
	if inv.Token == ZeroAddress {
		return "", apperr.Invalid("token", "invoice is payable in native currency")
	}

	token := bind.NewBoundContract(inv.Token, l.erc20ABI, l.client, l.client, l.client)
	var out []interface{}
	err = token.Call(&bind.CallOpts{Context: ctx, From: l.from}, &out, "allowance", l.from, l.address)
	l.metrics.LedgerCall("allowance", err)
	if err != nil {
		return "", apperr.Unavailable("read allowance", err)
	}
	allowance, _ := out[0].(*big.Int)

	if allowance == nil || allowance.Cmp(inv.Amount) < 0 {
		approveHash, err := l.transact(ctx, "approve", token, nil, l.address, inv.Amount)
		if err != nil {
			return "", err
		}
		rcpt, err := WaitMined(ctx, l, approveHash, l.pollInterval)
		if err != nil {
			return "", err
		}
		if rcpt.Reverted {
			return "", fmt.Errorf("approve %s: %w", approveHash, ErrReverted)
		}
	} else {
		l.logger.Debug("Allowance covers invoice, skipping approve", "invoice", id, "allowance", allowance)
	}

	return l.transact(ctx, "payInvoiceToken", l.registry, nil, big.NewInt(id))
}

func (l *EthLedger) RaiseDispute(ctx context.Context, id int64, reason string) (string, error) {
	return l.transact(ctx, "raiseDispute", l.registry, l.disputeFee, big.NewInt(id), reason)
}

func (l *EthLedger) CancelInvoice(ctx context.Context, id int64) (string, error) {
	return l.transact(ctx, "cancelInvoice", l.registry, nil, big.NewInt(id))
}

func (l *EthLedger) GetInvoice(ctx context.Context, id int64) (*OnChainInvoice, error) {
	var out []interface{}
	err := l.registry.Call(&bind.CallOpts{Context: ctx}, &out, "getInvoice", big.NewInt(id))
	l.metrics.LedgerCall("getInvoice", err)
	if err != nil {
		return nil, apperr.Unavailable("getInvoice", err)
	}
	inv, err := decodeInvoice(out)
	if err != nil {
		return nil, err
	}
	// The registry returns a zeroed struct for ids it never assigned.
	if inv.ID == 0 {
		return nil, fmt.Errorf("invoice #%d: %w", id, apperr.ErrNotFound)
	}
	return inv, nil
}

func (l *EthLedger) ReceiptFor(ctx context.Context, txHash string) (*Receipt, error) {
	rcpt, err := l.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if errors.Is(err, ethereum.NotFound) {
		return nil, ErrPending
	}
	l.metrics.LedgerCall("receipt", err)
	if err != nil {
		return nil, apperr.Unavailable("read receipt", err)
	}

	out := &Receipt{
		TxHash:      txHash,
		BlockNumber: rcpt.BlockNumber.Int64(),
		Reverted:    rcpt.Status == types.ReceiptStatusFailed,
	}
	created := l.registryABI.Events["InvoiceCreated"].ID
	for _, lg := range rcpt.Logs {
		if lg.Address != l.address || len(lg.Topics) < 2 || lg.Topics[0] != created {
			continue
		}
		out.NumericID = new(big.Int).SetBytes(lg.Topics[1].Bytes()).Int64()
		out.HasInvoice = true
		break
	}
	return out, nil
}

// transact signs the call locally, then broadcasts it. Signing first means the
// hash is known even when the broadcast times out.
func (l *EthLedger) transact(ctx context.Context, op string, contract *bind.BoundContract, value *big.Int, args ...interface{}) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, l.submitTimeout)
	defer cancel()

	opts, err := bind.NewKeyedTransactorWithChainID(l.key, l.chainID)
	if err != nil {
		return "", fmt.Errorf("failed to create transactor: %w", err)
	}
	opts.Context = ctx
	opts.NoSend = true
	if value != nil {
		opts.Value = value
	}

	nonce, err := l.nonces.acquire(ctx, func(ctx context.Context) (uint64, error) {
		return l.client.PendingNonceAt(ctx, l.from)
	})
	if err != nil {
		l.metrics.LedgerCall(op, err)
		return "", apperr.Unavailable(op+" nonce", err)
	}
	sent := false
	defer func() { l.nonces.release(sent) }()
	opts.Nonce = new(big.Int).SetUint64(nonce)

	tx, err := contract.Transact(opts, op, args...)
	if err != nil {
		l.metrics.LedgerCall(op, err)
		if apperr.IsNetwork(err) {
			return "", apperr.Unavailable(op, err)
		}
		return "", fmt.Errorf("%s rejected: %w", op, err)
	}

	hash := tx.Hash().Hex()
	err = l.client.SendTransaction(ctx, tx)
	l.metrics.LedgerCall(op, err)
	if err != nil {
		if apperr.IsNetwork(err) {
			l.logger.Warn("Ledger submission outcome unknown", "op", op, "tx", hash, "nonce", nonce, "error", err)
			return hash, fmt.Errorf("%s %s: %w: %v", op, hash, apperr.ErrUnknownOutcome, err)
		}
		return "", fmt.Errorf("%s rejected: %w", op, err)
	}
	sent = true

	l.logger.Info("Ledger transaction sent", "op", op, "tx", hash)
	return hash, nil
}

// nonceSequencer hands out account nonces to one sender at a time. The next
// nonce is cached after a clean send and re-read from the node after anything
// else, since a failed or unknown send may or may not have consumed it.
type nonceSequencer struct {
	mu   sync.Mutex
	next *uint64
}

// acquire blocks until no other send holds the sequencer and returns the
// nonce to use. Every successful acquire must be paired with release.
func (s *nonceSequencer) acquire(ctx context.Context, pending func(context.Context) (uint64, error)) (uint64, error) {
	s.mu.Lock()
	if s.next == nil {
		n, err := pending(ctx)
		if err != nil {
			s.mu.Unlock()
			return 0, err
		}
		s.next = &n
	}
	return *s.next, nil
}

func (s *nonceSequencer) release(sent bool) {
	if sent {
		*s.next++
	} else {
		s.next = nil
	}
	s.mu.Unlock()
}

func decodeInvoice(out []interface{}) (*OnChainInvoice, error) {
	if len(out) != 11 {
		return nil, fmt.Errorf("getInvoice returned %d values, want 11", len(out))
	}
	var (
		inv OnChainInvoice
		ok  bool
		v   [5]*big.Int
	)
	bigs := []int{0, 4, 7, 8, 9}
	for i, idx := range bigs {
		if v[i], ok = out[idx].(*big.Int); !ok {
			return nil, fmt.Errorf("getInvoice value %d has type %T", idx, out[idx])
		}
	}
	inv.ID = v[0].Int64()
	inv.Amount = v[1]
	inv.CreatedAt = time.Unix(v[2].Int64(), 0).UTC()
	inv.DueDate = time.Unix(v[3].Int64(), 0).UTC()
	if v[4].Sign() > 0 {
		paid := time.Unix(v[4].Int64(), 0).UTC()
		inv.PaidAt = &paid
	}

	if inv.DocHash, ok = out[1].(string); !ok {
		return nil, fmt.Errorf("getInvoice docHash has type %T", out[1])
	}
	if inv.Description, ok = out[10].(string); !ok {
		return nil, fmt.Errorf("getInvoice description has type %T", out[10])
	}
	if inv.Issuer, ok = out[2].(common.Address); !ok {
		return nil, fmt.Errorf("getInvoice issuer has type %T", out[2])
	}
	if inv.Recipient, ok = out[3].(common.Address); !ok {
		return nil, fmt.Errorf("getInvoice recipient has type %T", out[3])
	}
	if inv.Token, ok = out[5].(common.Address); !ok {
		return nil, fmt.Errorf("getInvoice tokenAddress has type %T", out[5])
	}
	raw, ok := out[6].(uint8)
	if !ok {
		return nil, fmt.Errorf("getInvoice status has type %T", out[6])
	}
	inv.Status, _ = status.ParseLedger(int(raw))
	return &inv, nil
}
