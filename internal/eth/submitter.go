package eth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	ErrInvalidSubmitterConfig = errors.New("eth: invalid submitter config")
	ErrTimeout                = errors.New("eth: confirmation timeout")
	ErrReverted               = errors.New("eth: transaction reverted")
	// ErrBroadcast means the node rejected or did not answer SendTransaction. The transaction
	// may still have been accepted.
	ErrBroadcast = errors.New("eth: broadcast failed")
	// ErrNonceUsed means the node has mined another transaction under the same nonce, so the
	// rebroadcast one can no longer be included unless it is that transaction.
	ErrNonceUsed     = errors.New("eth: nonce already used")
	ErrInvalidSigner = errors.New("eth: invalid signer")
)

// Signer signs transactions for one from-address.
type Signer interface {
	Address() common.Address
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

type SubmitterConfig struct {
	ChainID            *big.Int
	GasLimitMultiplier float64
	MinTipCap          *big.Int
	// MaxFeeCap is optional; see FeePolicy.
	MaxFeeCap *big.Int

	ReceiptPollInterval time.Duration
	// ConfirmTimeout bounds how long WaitReceipt polls for a receipt.
	ConfirmTimeout time.Duration

	Now    func() time.Time
	Sleep  func(ctx context.Context, d time.Duration) error
	Logger *slog.Logger
}

// Submitter signs, broadcasts and confirms transactions for any number of from-addresses.
//
// Nonce assignment and broadcast for one address are serialized: a second transaction from the
// same address is not signed until the first has been handed to the node.
type Submitter struct {
	backend Backend
	cfg     SubmitterConfig
	fees    FeePolicy
	log     *slog.Logger

	mu    sync.Mutex
	lanes map[common.Address]*lane
}

// lane tracks the next nonce of one from-address. Its mutex is held from nonce assignment
// until the node has the transaction.
type lane struct {
	mu     sync.Mutex
	next   uint64
	synced bool
}

func (l *lane) nonce(ctx context.Context, b Backend, addr common.Address) (uint64, error) {
	if !l.synced {
		n, err := b.PendingNonceAt(ctx, addr)
		if err != nil {
			return 0, err
		}
		l.next, l.synced = n, true
	}
	n := l.next
	l.next++
	return n, nil
}

// forget drops the local counter after a nonce that never reached the node.
func (l *lane) forget() { l.synced = false }

type TxRequest struct {
	To       common.Address
	Data     []byte
	Value    *big.Int
	GasLimit uint64 // optional; 0 => estimate
}

type Sent struct {
	From   common.Address
	Nonce  uint64
	TxHash common.Hash
}

// Signed is a transaction that has been signed but not necessarily handed to the node.
type Signed struct {
	Sent
	// Raw is the binary encoding accepted by Rebroadcast.
	Raw []byte
}

// RecordFunc persists a signed transaction before it is broadcast.
type RecordFunc func(ctx context.Context, tx Signed) error

type SendResult struct {
	Sent
	Receipt *types.Receipt
}

func NewSubmitter(backend Backend, cfg SubmitterConfig) (*Submitter, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: nil backend", ErrInvalidSubmitterConfig)
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("%w: chain id must be > 0", ErrInvalidSubmitterConfig)
	}
	if cfg.GasLimitMultiplier <= 0 {
		return nil, fmt.Errorf("%w: gas limit multiplier must be > 0", ErrInvalidSubmitterConfig)
	}
	if cfg.MinTipCap == nil || cfg.MinTipCap.Sign() < 0 {
		return nil, fmt.Errorf("%w: min tip cap must be >= 0", ErrInvalidSubmitterConfig)
	}
	if cfg.MaxFeeCap != nil && cfg.MaxFeeCap.Cmp(cfg.MinTipCap) <= 0 {
		return nil, fmt.Errorf("%w: max fee cap must exceed min tip cap", ErrInvalidSubmitterConfig)
	}
	if cfg.ReceiptPollInterval <= 0 || cfg.ConfirmTimeout <= 0 {
		return nil, fmt.Errorf("%w: poll interval and confirm timeout must be > 0", ErrInvalidSubmitterConfig)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Submitter{
		backend: backend,
		cfg:     cfg,
		fees:    FeePolicy{MinTipCap: cfg.MinTipCap, MaxFeeCap: cfg.MaxFeeCap},
		log:     log,
		lanes:   make(map[common.Address]*lane),
	}, nil
}

func (s *Submitter) lane(addr common.Address) *lane {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lanes[addr]
	if !ok {
		l = &lane{}
		s.lanes[addr] = l
	}
	return l
}

// Send signs req with signer and broadcasts it without waiting for inclusion.
func (s *Submitter) Send(ctx context.Context, signer Signer, req TxRequest) (Sent, error) {
	return s.SendRecorded(ctx, signer, req, nil)
}

// SendRecorded is Send with a record step between signing and broadcast. When record returns
// an error nothing is broadcast and the nonce is handed out again. Once recorded, the nonce
// stays reserved for the recorded transaction even if the broadcast fails.
func (s *Submitter) SendRecorded(ctx context.Context, signer Signer, req TxRequest, record RecordFunc) (Sent, error) {
	if signer == nil || signer.Address() == (common.Address{}) {
		return Sent{}, ErrInvalidSigner
	}
	from := signer.Address()

	value := req.Value
	if value == nil {
		value = big.NewInt(0)
	}

	gasLimit := req.GasLimit
	if gasLimit == 0 {
		est, err := s.backend.EstimateGas(ctx, ethereum.CallMsg{
			From:  from,
			To:    &req.To,
			Value: value,
			Data:  req.Data,
		})
		if err != nil {
			return Sent{}, fmt.Errorf("eth: estimate gas: %w", err)
		}
		gasLimit = applyGasMultiplier(est, s.cfg.GasLimitMultiplier)
	}

	suggestedTip, err := s.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return Sent{}, fmt.Errorf("eth: suggest tip: %w", err)
	}
	header, err := s.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return Sent{}, fmt.Errorf("eth: latest header: %w", err)
	}
	if header.BaseFee == nil || header.BaseFee.Sign() < 0 {
		return Sent{}, fmt.Errorf("eth: missing baseFee in latest header")
	}
	tipCap, feeCap, err := s.fees.Caps(header.BaseFee, suggestedTip)
	if err != nil {
		return Sent{}, err
	}

	l := s.lane(from)
	l.mu.Lock()
	defer l.mu.Unlock()

	nonce, err := l.nonce(ctx, s.backend, from)
	if err != nil {
		return Sent{}, fmt.Errorf("eth: nonce: %w", err)
	}

	to := req.To
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   s.cfg.ChainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &to,
		Value:     value,
		Data:      req.Data,
	})
	signed, err := signer.SignTx(tx, s.cfg.ChainID)
	if err != nil {
		l.forget()
		return Sent{}, fmt.Errorf("eth: sign: %w", err)
	}
	sent := Sent{From: from, Nonce: nonce, TxHash: signed.Hash()}

	if record != nil {
		raw, err := signed.MarshalBinary()
		if err != nil {
			l.forget()
			return Sent{}, fmt.Errorf("eth: encode signed tx: %w", err)
		}
		if err := record(ctx, Signed{Sent: sent, Raw: raw}); err != nil {
			l.forget()
			return Sent{}, fmt.Errorf("eth: record tx %s: %w", sent.TxHash, err)
		}
	}

	if err := s.backend.SendTransaction(ctx, signed); err != nil {
		if record == nil {
			// Nothing reached the node under this nonce; refetch before the next send.
			l.forget()
		}
		return sent, fmt.Errorf("%w: %w", ErrBroadcast, err)
	}

	s.log.Info("broadcast tx", "from", from, "to", to, "nonce", nonce, "tx", sent.TxHash)
	return sent, nil
}

// Rebroadcast hands a previously signed transaction to the node again. A node that already
// holds it is not an error. ErrNonceUsed reports that its nonce has been mined; the caller
// must look up the receipt to tell whether it was this transaction.
func (s *Submitter) Rebroadcast(ctx context.Context, raw []byte) (common.Hash, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return common.Hash{}, fmt.Errorf("eth: decode signed tx: %w", err)
	}
	err := s.backend.SendTransaction(ctx, tx)
	switch {
	case err == nil, isTxKnown(err):
	case isNonceTooLow(err):
		return tx.Hash(), fmt.Errorf("%w: %s nonce %d", ErrNonceUsed, tx.Hash(), tx.Nonce())
	default:
		return tx.Hash(), fmt.Errorf("%w: %w", ErrBroadcast, err)
	}
	s.log.Info("rebroadcast tx", "tx", tx.Hash(), "nonce", tx.Nonce())
	return tx.Hash(), nil
}

// The txpool reports these conditions as JSON-RPC error messages only.
func isTxKnown(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}

func isNonceTooLow(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "nonce too low")
}

// WaitReceipt polls for the receipt of txHash for at most ConfirmTimeout.
//
// It returns ErrTimeout when no receipt appears in time and ErrReverted, together with the
// receipt, when the transaction was included with a failure status.
func (s *Submitter) WaitReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	deadline := s.cfg.Now().Add(s.cfg.ConfirmTimeout)
	for {
		receipt, err := s.backend.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return receipt, fmt.Errorf("%w: %s", ErrReverted, txHash)
			}
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("eth: receipt %s: %w", txHash, err)
		}
		if !s.cfg.Now().Before(deadline) {
			return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, txHash, s.cfg.ConfirmTimeout)
		}
		if err := s.cfg.Sleep(ctx, s.cfg.ReceiptPollInterval); err != nil {
			return nil, err
		}
	}
}

func (s *Submitter) SendAndWait(ctx context.Context, signer Signer, req TxRequest) (SendResult, error) {
	sent, err := s.Send(ctx, signer, req)
	if err != nil {
		return SendResult{}, err
	}
	receipt, err := s.WaitReceipt(ctx, sent.TxHash)
	return SendResult{Sent: sent, Receipt: receipt}, err
}

// BalanceAt returns the native balance of addr at the latest block.
func (s *Submitter) BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error) {
	bal, err := s.backend.BalanceAt(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("eth: balance %s: %w", addr, err)
	}
	return bal, nil
}

// Call runs a read-only contract call at the latest block.
func (s *Submitter) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	out, err := s.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("eth: call %s: %w", to, err)
	}
	return out, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func applyGasMultiplier(est uint64, mult float64) uint64 {
	if mult <= 1 {
		return est
	}
	out := uint64(math.Ceil(float64(est) * mult))
	if out < est {
		// overflow or float error; fall back to the estimate.
		return est
	}
	return out
}
