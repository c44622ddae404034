package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// Reader exposes the read-only chain capabilities the engine needs: current
// height, a contract's stored authorization nonce, and filtered logs. No
// transaction broadcast capability is required.
type Reader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	AuthorizationNonce(ctx context.Context, contract, account common.Address) (uint64, error)
	FilterLogs(ctx context.Context, query gethcore.FilterQuery) ([]coretypes.Log, error)
	Close()
}

// Config describes how to construct an EVM compatible read client.
type Config struct {
	Name   string
	RPCURL string
	Notes  string
}

// Client implements Reader against a JSON-RPC endpoint.
type Client struct {
	name      string
	notes     string
	rpcClient *gethrpc.Client
	eth       *ethclient.Client
	mu        sync.Mutex
}

// nonceSelector is the 4-byte selector of nonces(address), the getter the
// authorization contract exposes for per-account intent nonces.
var nonceSelector = crypto.Keccak256([]byte("nonces(address)"))[:4]

// NewClient dials the configured RPC endpoint and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}

	return &Client{
		name:      cfg.Name,
		notes:     cfg.Notes,
		rpcClient: rpcClient,
		eth:       ethclient.NewClient(rpcClient),
	}, nil
}

// Name returns the configured chain name.
func (c *Client) Name() string {
	if c == nil {
		return ""
	}
	return c.name
}

// BlockNumber returns the latest block height.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	if c == nil || c.eth == nil {
		return 0, errors.New("未初始化的以太坊客户端")
	}
	return c.eth.BlockNumber(ctx)
}

// AuthorizationNonce reads the intent nonce stored for account on the target
// contract via eth_call against nonces(address).
func (c *Client) AuthorizationNonce(ctx context.Context, contract, account common.Address) (uint64, error) {
	if c == nil || c.eth == nil {
		return 0, errors.New("未初始化的以太坊客户端")
	}
	data := make([]byte, 0, 36)
	data = append(data, nonceSelector...)
	data = append(data, common.LeftPadBytes(account.Bytes(), 32)...)

	result, err := c.eth.CallContract(ctx, gethcore.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return 0, fmt.Errorf("读取授权 nonce 失败: %w", err)
	}
	if len(result) == 0 {
		return 0, errors.New("授权合约返回了空的 nonce")
	}
	return new(big.Int).SetBytes(result).Uint64(), nil
}

// FilterLogs queries logs matching the filter.
func (c *Client) FilterLogs(ctx context.Context, query gethcore.FilterQuery) ([]coretypes.Log, error) {
	if c == nil || c.eth == nil {
		return nil, errors.New("未初始化的以太坊客户端")
	}
	logs, err := c.eth.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("查询事件日志失败: %w", err)
	}
	return logs, nil
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
	}
}

var _ Reader = (*Client)(nil)
