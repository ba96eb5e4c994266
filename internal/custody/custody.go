// Package custody holds the encrypted signing keys of custodial addresses.
//
// Keys are stored as go-ethereum keystore v3 JSON (scrypt + AES-128-CTR) and are decrypted only
// inside this package. Callers receive a Signer bound to one address; the private key itself is
// never returned.
package custody

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

var (
	ErrInvalidConfig = errors.New("custody: invalid config")
	ErrNotFound      = errors.New("custody: key not found")
	ErrKeyExists     = errors.New("custody: key already exists")
	ErrDecrypt       = errors.New("custody: cannot decrypt key")
	ErrInvalidSigner = errors.New("custody: invalid signer")
	ErrInvalidKey    = errors.New("custody: invalid private key")
)

// Record is one write-once key entry.
type Record struct {
	Address   common.Address
	KeyJSON   []byte
	CreatedAt time.Time
}

// Backend persists Records. Put must fail with ErrKeyExists when the address is already stored.
type Backend interface {
	Put(ctx context.Context, rec Record) error
	Get(ctx context.Context, addr common.Address) (Record, error)
}

type Config struct {
	Backend    Backend
	Passphrase string

	// ScryptN/ScryptP default to the keystore's standard parameters.
	ScryptN int
	ScryptP int

	Now    func() time.Time
	Logger *slog.Logger
}

type Vault struct {
	backend    Backend
	passphrase string
	scryptN    int
	scryptP    int
	now        func() time.Time
	log        *slog.Logger
}

func NewVault(cfg Config) (*Vault, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("%w: nil backend", ErrInvalidConfig)
	}
	if strings.TrimSpace(cfg.Passphrase) == "" {
		return nil, fmt.Errorf("%w: empty passphrase", ErrInvalidConfig)
	}
	if cfg.ScryptN == 0 {
		cfg.ScryptN = keystore.StandardScryptN
	}
	if cfg.ScryptP == 0 {
		cfg.ScryptP = keystore.StandardScryptP
	}
	if cfg.ScryptN < 2 || cfg.ScryptP < 1 {
		return nil, fmt.Errorf("%w: invalid scrypt parameters", ErrInvalidConfig)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Vault{
		backend:    cfg.Backend,
		passphrase: cfg.Passphrase,
		scryptN:    cfg.ScryptN,
		scryptP:    cfg.ScryptP,
		now:        cfg.Now,
		log:        cfg.Logger,
	}, nil
}

// Generate creates a fresh keypair, persists it encrypted and returns its address.
func (v *Vault) Generate(ctx context.Context) (common.Address, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return common.Address{}, fmt.Errorf("custody: generate key: %w", err)
	}
	return v.Import(ctx, key)
}

// Import persists an existing key. Importing an address twice fails with ErrKeyExists.
func (v *Vault) Import(ctx context.Context, key *ecdsa.PrivateKey) (common.Address, error) {
	if v == nil || v.backend == nil {
		return common.Address{}, fmt.Errorf("%w: nil vault", ErrInvalidConfig)
	}
	if key == nil {
		return common.Address{}, fmt.Errorf("%w: nil key", ErrInvalidConfig)
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return common.Address{}, fmt.Errorf("custody: key id: %w", err)
	}
	addr := crypto.PubkeyToAddress(key.PublicKey)
	blob, err := keystore.EncryptKey(&keystore.Key{Id: id, Address: addr, PrivateKey: key}, v.passphrase, v.scryptN, v.scryptP)
	if err != nil {
		return common.Address{}, fmt.Errorf("custody: encrypt key for %s: %w", addr, err)
	}
	if err := v.backend.Put(ctx, Record{Address: addr, KeyJSON: blob, CreatedAt: v.now().UTC()}); err != nil {
		return common.Address{}, err
	}
	v.log.Info("stored custodial key", "address", addr)
	return addr, nil
}

func (v *Vault) Has(ctx context.Context, addr common.Address) (bool, error) {
	if v == nil || v.backend == nil {
		return false, fmt.Errorf("%w: nil vault", ErrInvalidConfig)
	}
	_, err := v.backend.Get(ctx, addr)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return false, err
}

// ParseKeyHex parses a 32-byte secp256k1 key in hex with an optional 0x prefix. Errors never
// carry the input.
func ParseKeyHex(s string) (*ecdsa.PrivateKey, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if len(s) != 64 {
		return nil, ErrInvalidKey
	}
	key, err := crypto.HexToECDSA(s)
	if err != nil {
		return nil, ErrInvalidKey
	}
	return key, nil
}

// Signer decrypts the key for addr and returns a signer bound to it.
func (v *Vault) Signer(ctx context.Context, addr common.Address) (*Signer, error) {
	if v == nil || v.backend == nil {
		return nil, fmt.Errorf("%w: nil vault", ErrInvalidConfig)
	}
	rec, err := v.backend.Get(ctx, addr)
	if err != nil {
		return nil, err
	}
	k, err := keystore.DecryptKey(rec.KeyJSON, v.passphrase)
	if err != nil {
		// Never echo keystore contents.
		return nil, fmt.Errorf("%w: %s", ErrDecrypt, addr)
	}
	if k.Address != addr {
		return nil, fmt.Errorf("%w: record address mismatch for %s", ErrDecrypt, addr)
	}
	return &Signer{key: k.PrivateKey, addr: addr}, nil
}

// Signer signs EVM transactions for one custodial address.
type Signer struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

func (s *Signer) Address() common.Address { return s.addr }

func (s *Signer) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	if s == nil || s.key == nil || tx == nil || chainID == nil || chainID.Sign() <= 0 {
		return nil, ErrInvalidSigner
	}
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
}
