package intent

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"time"

	xerrors "DocFlow-Chain/internal/errors"
	"DocFlow-Chain/pkg/logger"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Intent 是一次针对特定链上调用的离线签名授权。每次工作流启动时
// 生成一份，嵌入出站请求，不单独持久化。
type Intent struct {
	ID        common.Hash
	Deadline  int64
	Signature []byte
	Delegate  common.Address
	Nonce     uint64
	Executor  common.Address
	Selector  [4]byte
}

// ExecutorSource 提供远端执行节点的网络地址查询。
type ExecutorSource interface {
	ExecutorAddress(ctx context.Context) (string, error)
}

// NonceSource 提供目标合约上授权 nonce 的读取。
type NonceSource interface {
	AuthorizationNonce(ctx context.Context, contract, account common.Address) (uint64, error)
}

// Config 描述构造意图所需的静态配置。
type Config struct {
	Target            common.Address
	Delegate          common.Address
	FunctionSignature string
	// ExecutorFallback 在配置端点不可用时作为执行节点地址的兜底。
	ExecutorFallback common.Address
	TTL              time.Duration
}

// Builder 负责构造并签名意图。
type Builder struct {
	cfg      Config
	key      *ecdsa.PrivateKey
	sender   common.Address
	executor ExecutorSource
	nonces   NonceSource
	log      *slog.Logger
}

// NewBuilder 创建 Builder。缺少必要的地址或私钥时返回配置错误。
func NewBuilder(cfg Config, key *ecdsa.PrivateKey, executor ExecutorSource, nonces NonceSource) (*Builder, error) {
	if key == nil {
		return nil, xerrors.New(xerrors.CodeConfiguration, "未配置签名私钥")
	}
	if cfg.Target == (common.Address{}) {
		return nil, xerrors.New(xerrors.CodeConfiguration, "未配置目标合约地址")
	}
	if cfg.Delegate == (common.Address{}) {
		return nil, xerrors.New(xerrors.CodeConfiguration, "未配置 delegate 地址")
	}
	if strings.TrimSpace(cfg.FunctionSignature) == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "未配置目标函数签名")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	return &Builder{
		cfg:      cfg,
		key:      key,
		sender:   crypto.PubkeyToAddress(key.PublicKey),
		executor: executor,
		nonces:   nonces,
		log:      logger.Named("intent"),
	}, nil
}

// Sender 返回控制账户地址。
func (b *Builder) Sender() common.Address {
	return b.sender
}

// Build 构造并签名一个新的意图。
func (b *Builder) Build(ctx context.Context) (*Intent, error) {
	executor := b.resolveExecutor(ctx)
	if executor == (common.Address{}) {
		return nil, xerrors.New(xerrors.CodeConfiguration, "执行节点地址不可用且未配置兜底值")
	}

	nonce := b.resolveNonce(ctx)
	deadline := time.Now().Add(b.cfg.TTL).Unix()
	selector := Selector(b.cfg.FunctionSignature)
	id := ID(b.sender, nonce, deadline)

	digest := intentHash(b.cfg.Target, big.NewInt(0), id, executor, b.cfg.Delegate, selector, nonce, deadline)
	signature, err := crypto.Sign(accounts.TextHash(digest.Bytes()), b.key)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "签名意图失败")
	}
	// 与 personal_sign 输出保持一致，recovery id 映射为 27/28。
	signature[64] += 27

	return &Intent{
		ID:        id,
		Deadline:  deadline,
		Signature: signature,
		Delegate:  b.cfg.Delegate,
		Nonce:     nonce,
		Executor:  executor,
		Selector:  selector,
	}, nil
}

// resolveExecutor 查询配置端点，失败时退回静态兜底地址。
func (b *Builder) resolveExecutor(ctx context.Context) common.Address {
	if b.executor != nil {
		raw, err := b.executor.ExecutorAddress(ctx)
		if err == nil && common.IsHexAddress(raw) {
			return common.HexToAddress(raw)
		}
		b.log.Warn("获取执行节点地址失败，使用静态兜底值",
			slog.Any("error", err),
			slog.String("fallback", b.cfg.ExecutorFallback.Hex()),
		)
	}
	return b.cfg.ExecutorFallback
}

// resolveNonce 读取合约上的授权 nonce，失败时退化为时间戳 nonce。
func (b *Builder) resolveNonce(ctx context.Context) uint64 {
	if b.nonces != nil {
		nonce, err := b.nonces.AuthorizationNonce(ctx, b.cfg.Target, b.sender)
		if err == nil {
			return nonce
		}
		b.log.Warn("读取授权 nonce 失败，使用时间戳 nonce", slog.Any("error", err))
	}
	return uint64(time.Now().UnixNano())
}

// ID 由 (sender, nonce, deadline) 确定性派生意图标识。
func ID(sender common.Address, nonce uint64, deadline int64) common.Hash {
	return crypto.Keccak256Hash(
		sender.Bytes(),
		pad32(new(big.Int).SetUint64(nonce)),
		pad32(big.NewInt(deadline)),
	)
}

// Selector 计算函数签名的 4 字节选择器。
func Selector(signature string) [4]byte {
	var selector [4]byte
	copy(selector[:], crypto.Keccak256([]byte(strings.TrimSpace(signature)))[:4])
	return selector
}

// intentHash 计算待签名的授权摘要。
func intentHash(target common.Address, value *big.Int, id common.Hash, executor, delegate common.Address, selector [4]byte, nonce uint64, deadline int64) common.Hash {
	return crypto.Keccak256Hash(
		target.Bytes(),
		pad32(value),
		id.Bytes(),
		executor.Bytes(),
		delegate.Bytes(),
		selector[:],
		pad32(new(big.Int).SetUint64(nonce)),
		pad32(big.NewInt(deadline)),
	)
}

func pad32(n *big.Int) []byte {
	return common.LeftPadBytes(n.Bytes(), 32)
}

// Vars 返回用于模板替换的意图字段。
func (i *Intent) Vars() map[string]string {
	if i == nil {
		return nil
	}
	return map[string]string{
		"intent_id": i.ID.Hex(),
		"deadline":  strconv.FormatInt(i.Deadline, 10),
		"signature": "0x" + hex.EncodeToString(i.Signature),
		"delegate":  i.Delegate.Hex(),
		"nonce":     strconv.FormatUint(i.Nonce, 10),
		"executor":  i.Executor.Hex(),
		"selector":  fmt.Sprintf("0x%x", i.Selector),
	}
}
