package chainhistory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/tipledger/tipledger/internal/erc20"
)

type Option func(*Etherscan) error

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Etherscan) error {
		if hc == nil {
			return fmt.Errorf("%w: nil http client", ErrInvalidConfig)
		}
		c.hc = hc
		return nil
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Etherscan) error {
		if d <= 0 {
			return fmt.Errorf("%w: timeout must be > 0", ErrInvalidConfig)
		}
		if c.hc == nil {
			c.hc = &http.Client{}
		}
		c.hc.Timeout = d
		return nil
	}
}

func WithPageSize(n int) Option {
	return func(c *Etherscan) error {
		if n <= 0 || n > 10_000 {
			return fmt.Errorf("%w: page size must be in 1..10000", ErrInvalidConfig)
		}
		c.pageSize = n
		return nil
	}
}

// WithMinConfirmations skips transfers with fewer confirmations than n.
func WithMinConfirmations(n uint64) Option {
	return func(c *Etherscan) error {
		c.minConfirmations = n
		return nil
	}
}

func WithMaxResponseBytes(n int64) Option {
	return func(c *Etherscan) error {
		if n <= 0 {
			return fmt.Errorf("%w: max response bytes must be > 0", ErrInvalidConfig)
		}
		c.maxRespBytes = n
		return nil
	}
}

// Etherscan queries the account/tokentx endpoint of an Etherscan-compatible explorer API.
type Etherscan struct {
	baseURL          string
	apiKey           string
	token            common.Address
	hc               *http.Client
	pageSize         int
	minConfirmations uint64
	maxRespBytes     int64
}

var _ Source = (*Etherscan)(nil)

func NewEtherscan(baseURL, apiKey string, token common.Address, opts ...Option) (*Etherscan, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil, fmt.Errorf("%w: missing url", ErrInvalidConfig)
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("%w: parse url: %v", ErrInvalidConfig, err)
	}
	if token == (common.Address{}) {
		return nil, fmt.Errorf("%w: missing token address", ErrInvalidConfig)
	}
	c := &Etherscan{
		baseURL:      baseURL,
		apiKey:       apiKey,
		token:        token,
		hc:           &http.Client{Timeout: 10 * time.Second},
		pageSize:     1000,
		maxRespBytes: 10 << 20, // 10 MiB
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

type tokenTx struct {
	BlockNumber     string `json:"blockNumber"`
	Hash            string `json:"hash"`
	From            string `json:"from"`
	To              string `json:"to"`
	Value           string `json:"value"`
	ContractAddress string `json:"contractAddress"`
	LogIndex        string `json:"logIndex"`
	Confirmations   string `json:"confirmations"`
}

type apiResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

func (c *Etherscan) ListTransfers(ctx context.Context, address common.Address, afterBlock uint64) ([]erc20.Transfer, error) {
	var out []erc20.Transfer
	for page := 1; ; page++ {
		txs, err := c.fetchPage(ctx, address, afterBlock+1, page)
		if err != nil {
			return nil, err
		}
		for _, tx := range txs {
			t, ok, err := c.convert(tx, address, afterBlock)
			if err != nil {
				return nil, err
			}
			if ok {
				out = append(out, t)
			}
		}
		if len(txs) < c.pageSize {
			return out, nil
		}
	}
}

func (c *Etherscan) fetchPage(ctx context.Context, address common.Address, startBlock uint64, page int) ([]tokenTx, error) {
	q := url.Values{}
	q.Set("module", "account")
	q.Set("action", "tokentx")
	q.Set("contractaddress", c.token.Hex())
	q.Set("address", address.Hex())
	q.Set("startblock", strconv.FormatUint(startBlock, 10))
	q.Set("sort", "asc")
	q.Set("page", strconv.Itoa(page))
	q.Set("offset", strconv.Itoa(c.pageSize))
	if c.apiKey != "" {
		q.Set("apikey", c.apiKey)
	}

	u := c.baseURL
	if strings.Contains(u, "?") {
		u += "&" + q.Encode()
	} else {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("chainhistory: new request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		// The URL carries the api key; never surface it.
		return nil, fmt.Errorf("chainhistory: tokentx request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxRespBytes+1))
	if err != nil {
		return nil, fmt.Errorf("chainhistory: read response: %w", err)
	}
	if int64(len(body)) > c.maxRespBytes {
		return nil, ErrResponseTooLarge
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: http status %d", ErrAPI, resp.StatusCode)
	}

	var r apiResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("chainhistory: decode response: %w", err)
	}
	if r.Status != "1" {
		if strings.HasPrefix(strings.ToLower(r.Message), "no transactions found") {
			return nil, nil
		}
		var msg string
		_ = json.Unmarshal(r.Result, &msg)
		return nil, fmt.Errorf("%w: %s: %s", ErrAPI, r.Message, msg)
	}
	var txs []tokenTx
	if err := json.Unmarshal(r.Result, &txs); err != nil {
		return nil, fmt.Errorf("chainhistory: decode result: %w", err)
	}
	return txs, nil
}

func (c *Etherscan) convert(tx tokenTx, address common.Address, afterBlock uint64) (erc20.Transfer, bool, error) {
	if !common.IsHexAddress(tx.To) || common.HexToAddress(tx.To) != address {
		return erc20.Transfer{}, false, nil
	}
	if tx.ContractAddress != "" && common.HexToAddress(tx.ContractAddress) != c.token {
		return erc20.Transfer{}, false, nil
	}
	block, err := strconv.ParseUint(tx.BlockNumber, 10, 64)
	if err != nil {
		return erc20.Transfer{}, false, fmt.Errorf("%w: bad blockNumber %q", ErrAPI, tx.BlockNumber)
	}
	if block <= afterBlock {
		return erc20.Transfer{}, false, nil
	}
	if c.minConfirmations > 0 {
		conf, err := strconv.ParseUint(tx.Confirmations, 10, 64)
		if err != nil || conf < c.minConfirmations {
			return erc20.Transfer{}, false, nil
		}
	}
	value, ok := new(big.Int).SetString(tx.Value, 10)
	if !ok || value.Sign() < 0 {
		return erc20.Transfer{}, false, fmt.Errorf("%w: bad value %q", ErrAPI, tx.Value)
	}
	var logIndex uint64
	if tx.LogIndex != "" {
		logIndex, _ = strconv.ParseUint(tx.LogIndex, 10, 32)
	}
	return erc20.Transfer{
		From:        common.HexToAddress(tx.From),
		To:          address,
		Value:       value,
		BlockNumber: block,
		TxHash:      common.HexToHash(tx.Hash),
		LogIndex:    uint(logIndex),
	}, true, nil
}
