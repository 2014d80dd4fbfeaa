package ledger

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/mmynk/invoicechain/internal/apperr"
	"github.com/mmynk/invoicechain/internal/status"
)

// Memory is an in-process invoice registry. It backs local development and
// the unit tests of every component that talks to the ledger.
type Memory struct {
	mu       sync.Mutex
	invoices map[int64]*OnChainInvoice
	txs      map[string]*memTx
	order    []string
	nextID   int64
	block    int64
	autoMine bool
	failNext error
	sender   common.Address
	now      func() time.Time
}

type memTx struct {
	op      string
	mined   bool
	receipt Receipt
	apply   func() (Receipt, error)
}

var _ Ledger = (*Memory)(nil)

// NewMemory creates an empty registry. With autoMine every transaction is mined
// as soon as it is submitted; otherwise Mine must be called.
func NewMemory(autoMine bool) *Memory {
	return &Memory{
		invoices: make(map[int64]*OnChainInvoice),
		txs:      make(map[string]*memTx),
		nextID:   1,
		block:    1,
		autoMine: autoMine,
		now:      time.Now,
	}
}

// WithSender sets the address that submits payment, dispute and cancel transactions.
func (m *Memory) WithSender(addr common.Address) *Memory {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sender = addr
	return m
}

// FailNext makes the next write return err. If err is apperr.ErrUnknownOutcome
// the transaction is still queued and its hash returned, as if the broadcast
// timed out after reaching the network.
func (m *Memory) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

// Mine executes every pending transaction in submission order and returns how many ran.
func (m *Memory) Mine() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, hash := range m.order {
		tx := m.txs[hash]
		if tx.mined {
			continue
		}
		m.mineLocked(hash, tx)
		n++
	}
	return n
}

// SetStatus forces an invoice status, standing in for contract paths the
// coordinator does not call itself (e.g. arbiter resolution).
func (m *Memory) SetStatus(id int64, s status.Ledger) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invoices[id]
	if !ok {
		return fmt.Errorf("invoice #%d: %w", id, apperr.ErrNotFound)
	}
	inv.Status = s
	return nil
}

// Calls returns the operation names of all submitted transactions, in order.
func (m *Memory) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.order))
	for _, hash := range m.order {
		out = append(out, m.txs[hash].op)
	}
	return out
}

func (m *Memory) CreateInvoice(_ context.Context, p CreateInvoiceParams) (string, error) {
	if p.Amount == nil || p.Amount.Sign() <= 0 {
		return "", apperr.Invalid("amount", "must be positive")
	}
	params := p
	params.Amount = new(big.Int).Set(p.Amount)

	return m.submit("createInvoice", func() (Receipt, error) {
		id := m.nextID
		m.nextID++
		m.invoices[id] = &OnChainInvoice{
			ID:          id,
			DocHash:     params.DocHash,
			Issuer:      params.Issuer,
			Recipient:   params.Recipient,
			Amount:      params.Amount,
			Token:       params.Token,
			Status:      status.LedgerCreated,
			CreatedAt:   m.now().UTC().Truncate(time.Second),
			DueDate:     params.DueDate.UTC().Truncate(time.Second),
			Description: params.Description,
		}
		return Receipt{NumericID: id, HasInvoice: true}, nil
	})
}

func (m *Memory) PayInvoiceETH(_ context.Context, id int64, value *big.Int) (string, error) {
	return m.submit("payInvoiceETH", func() (Receipt, error) {
		inv, err := m.openLocked(id)
		if err != nil {
			return Receipt{}, err
		}
		if inv.Token != ZeroAddress {
			return Receipt{}, errors.New("token invoice paid with native currency")
		}
		if value == nil || value.Cmp(inv.Amount) != 0 {
			return Receipt{}, errors.New("incorrect payment amount")
		}
		m.markPaidLocked(inv)
		return Receipt{}, nil
	})
}

func (m *Memory) PayInvoiceToken(_ context.Context, id int64) (string, error) {
	return m.submit("payInvoiceToken", func() (Receipt, error) {
		inv, err := m.openLocked(id)
		if err != nil {
			return Receipt{}, err
		}
		if inv.Token == ZeroAddress {
			return Receipt{}, errors.New("native invoice paid with token")
		}
		m.markPaidLocked(inv)
		return Receipt{}, nil
	})
}

func (m *Memory) RaiseDispute(_ context.Context, id int64, reason string) (string, error) {
	return m.submit("raiseDispute", func() (Receipt, error) {
		inv, err := m.openLocked(id)
		if err != nil {
			return Receipt{}, err
		}
		if reason == "" {
			return Receipt{}, errors.New("empty dispute reason")
		}
		inv.Status = status.LedgerDisputed
		return Receipt{}, nil
	})
}

func (m *Memory) CancelInvoice(_ context.Context, id int64) (string, error) {
	return m.submit("cancelInvoice", func() (Receipt, error) {
		inv, err := m.openLocked(id)
		if err != nil {
			return Receipt{}, err
		}
		if m.sender != ZeroAddress && inv.Issuer != m.sender {
			return Receipt{}, errors.New("only issuer can cancel")
		}
		inv.Status = status.LedgerCancelled
		return Receipt{}, nil
	})
}

func (m *Memory) GetInvoice(_ context.Context, id int64) (*OnChainInvoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invoices[id]
	if !ok {
		return nil, fmt.Errorf("invoice #%d: %w", id, apperr.ErrNotFound)
	}
	out := *inv
	out.Amount = new(big.Int).Set(inv.Amount)
	if inv.PaidAt != nil {
		t := *inv.PaidAt
		out.PaidAt = &t
	}
	return &out, nil
}

func (m *Memory) ReceiptFor(_ context.Context, txHash string) (*Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[txHash]
	if !ok {
		return nil, fmt.Errorf("transaction %s: %w", txHash, apperr.ErrNotFound)
	}
	if !tx.mined {
		return nil, ErrPending
	}
	rcpt := tx.receipt
	return &rcpt, nil
}

func (m *Memory) submit(op string, apply func() (Receipt, error)) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	failure := m.failNext
	m.failNext = nil
	if failure != nil && !errors.Is(failure, apperr.ErrUnknownOutcome) {
		return "", failure
	}

	hash := newTxHash()
	tx := &memTx{op: op, apply: apply}
	m.txs[hash] = tx
	m.order = append(m.order, hash)

	if failure != nil {
		return hash, failure
	}
	if m.autoMine {
		m.mineLocked(hash, tx)
	}
	return hash, nil
}

func (m *Memory) mineLocked(hash string, tx *memTx) {
	m.block++
	rcpt, err := tx.apply()
	rcpt.TxHash = hash
	rcpt.BlockNumber = m.block
	if err != nil {
		rcpt = Receipt{TxHash: hash, BlockNumber: m.block, Reverted: true}
	}
	tx.receipt = rcpt
	tx.mined = true
}

func (m *Memory) openLocked(id int64) (*OnChainInvoice, error) {
	inv, ok := m.invoices[id]
	if !ok {
		return nil, fmt.Errorf("invoice #%d: %w", id, apperr.ErrNotFound)
	}
	if inv.Status != status.LedgerCreated {
		return nil, fmt.Errorf("invoice #%d is %s", id, inv.Status)
	}
	return inv, nil
}

func (m *Memory) markPaidLocked(inv *OnChainInvoice) {
	paid := m.now().UTC().Truncate(time.Second)
	inv.Status = status.LedgerPaid
	inv.PaidAt = &paid
}

func newTxHash() string {
	var b [32]byte
	_, _ = rand.Read(b[:])
	return hexutil.Encode(b[:])
}
