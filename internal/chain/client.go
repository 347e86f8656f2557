package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"disputable-values-monitor/internal/config"
)

const erc20ABIJSON = `[{"inputs":[{"internalType":"address","name":"account","type":"address"}],"name":"balanceOf","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"}]`

var erc20ABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		panic("failed to parse ERC-20 ABI: " + err.Error())
	}
	erc20ABI = parsed
}

// ErrNotConfigured indicates the requested contract address is missing from
// this chain's configuration.
var ErrNotConfigured = errors.New("contract address not configured")

// Client is a lazily-dialled RPC connection to one EVM network. The
// underlying connection is dropped after a failed log fetch so the next call
// re-dials instead of hammering a dead endpoint.
type Client struct {
	chainID uint64
	cfg     config.ChainConfig
	timeout time.Duration
	logger  zerolog.Logger

	mu  sync.Mutex
	eth *ethclient.Client
}

// NewClient builds a client for one chain. No connection is made until first use.
func NewClient(chainID uint64, cfg config.ChainConfig, timeout time.Duration, logger zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		chainID: chainID,
		cfg:     cfg,
		timeout: timeout,
		logger:  logger.With().Str("component", "chain_client").Uint64("chain_id", chainID).Logger(),
	}
}

// ChainID returns the configured numeric chain id.
func (c *Client) ChainID() uint64 { return c.chainID }

// ExplorerURL returns the block explorer base URL, may be empty.
func (c *Client) ExplorerURL() string { return c.cfg.ExplorerURL }

// OracleAddress returns the main oracle contract address if configured.
func (c *Client) OracleAddress() (common.Address, bool) { return parseAddr(c.cfg.Oracle) }

// Oracle360Address returns the secondary oracle contract address if configured.
func (c *Client) Oracle360Address() (common.Address, bool) { return parseAddr(c.cfg.Oracle360) }

// GovernanceAddress returns the governance contract address if configured.
func (c *Client) GovernanceAddress() (common.Address, bool) { return parseAddr(c.cfg.Governance) }

// TokenAddress returns the staking token contract address if configured.
func (c *Client) TokenAddress() (common.Address, bool) { return parseAddr(c.cfg.Token) }

func parseAddr(s string) (common.Address, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return common.Address{}, false
	}
	return common.HexToAddress(s), true
}

func (c *Client) getConn(ctx context.Context) (*ethclient.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.eth != nil {
		return c.eth, nil
	}

	client, err := ethclient.DialContext(ctx, c.cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial chain %d: %w", c.chainID, err)
	}
	c.eth = client
	return client, nil
}

// reset 丢弃当前连接，下次调用时重新拨号。
func (c *Client) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
}

// BlockNumber returns the latest block height.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, err := c.getConn(ctx)
	if err != nil {
		return 0, err
	}
	return conn.BlockNumber(ctx)
}

// FilterLogs fetches logs for the query, retrying transient RPC failures with
// backoff. A persistent failure drops the connection so the next cycle
// re-dials the endpoint.
func (c *Client) FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	var logs []types.Log
	err := retry.Do(
		func() error {
			callCtx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()

			conn, err := c.getConn(callCtx)
			if err != nil {
				return err
			}
			fetched, err := conn.FilterLogs(callCtx, query)
			if err != nil {
				return err
			}
			logs = fetched
			return nil
		},
		retry.Attempts(3),
		retry.Delay(500*time.Millisecond),
		retry.MaxDelay(2*time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
	if err != nil {
		c.reset()
		return nil, fmt.Errorf("filter logs on chain %d: %w", c.chainID, err)
	}
	return logs, nil
}

// CallContract performs a read-only contract call against the latest block.
func (c *Client) CallContract(ctx context.Context, to common.Address, payload []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, err := c.getConn(ctx)
	if err != nil {
		return nil, err
	}
	return conn.CallContract(ctx, ethereum.CallMsg{To: &to, Data: payload}, nil)
}

// TokenBalance returns the staking token balance of holder in whole tokens.
func (c *Client) TokenBalance(ctx context.Context, holder common.Address) (decimal.Decimal, error) {
	token, ok := c.TokenAddress()
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("chain %d token: %w", c.chainID, ErrNotConfigured)
	}

	payload, err := erc20ABI.Pack("balanceOf", holder)
	if err != nil {
		return decimal.Decimal{}, err
	}
	res, err := c.CallContract(ctx, token, payload)
	if err != nil {
		return decimal.Decimal{}, err
	}
	outputs, err := erc20ABI.Unpack("balanceOf", res)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if len(outputs) != 1 {
		return decimal.Decimal{}, errors.New("unexpected balanceOf response")
	}
	raw, ok := outputs[0].(*big.Int)
	if !ok {
		return decimal.Decimal{}, errors.New("failed to decode balanceOf output")
	}
	return decimal.NewFromBigInt(raw, -18), nil
}

// BalanceAt returns the account's native balance in whole coins, for gas
// health checks.
func (c *Client) BalanceAt(ctx context.Context, account common.Address) (decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, err := c.getConn(ctx)
	if err != nil {
		return decimal.Decimal{}, err
	}
	wei, err := conn.BalanceAt(ctx, account, nil)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return decimal.NewFromBigInt(wei, -18), nil
}

// SuggestGasPrice returns the network's current gas price.
func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, err := c.getConn(ctx)
	if err != nil {
		return nil, err
	}
	return conn.SuggestGasPrice(ctx)
}

// PendingNonceAt returns the next nonce for the account, pending txs included.
func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, err := c.getConn(ctx)
	if err != nil {
		return 0, err
	}
	return conn.PendingNonceAt(ctx, account)
}

// EstimateGas estimates the gas needed to submit the call.
func (c *Client) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, err := c.getConn(ctx)
	if err != nil {
		return 0, err
	}
	return conn.EstimateGas(ctx, msg)
}

// SendTransaction broadcasts a signed transaction.
func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, err := c.getConn(ctx)
	if err != nil {
		return err
	}
	return conn.SendTransaction(ctx, tx)
}

// TransactionReceipt fetches the receipt for a mined transaction.
func (c *Client) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, err := c.getConn(ctx)
	if err != nil {
		return nil, err
	}
	return conn.TransactionReceipt(ctx, txHash)
}

// BlockByNumber fetches a full block, transactions included.
func (c *Client) BlockByNumber(ctx context.Context, number uint64) (*types.Block, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, err := c.getConn(ctx)
	if err != nil {
		return nil, err
	}
	return conn.BlockByNumber(ctx, new(big.Int).SetUint64(number))
}

// Close tears down the cached connection.
func (c *Client) Close() {
	c.reset()
}
