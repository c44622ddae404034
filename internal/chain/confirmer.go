package chain

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	xerrors "DocFlow-Chain/internal/errors"
	"DocFlow-Chain/pkg/clock"
	"DocFlow-Chain/pkg/logger"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// DefaultEventSignature 是封存合约在结算时发出的事件。第一个 topic 索引
// 文档哈希，data 中携带访问承诺哈希与文档编号。
const DefaultEventSignature = "DocumentSealed(bytes32,bytes32,uint256)"

const (
	// DefaultConfirmInterval 是事件确认的默认轮询间隔。
	DefaultConfirmInterval = 3 * time.Second
	// DefaultConfirmTimeout 是事件确认的默认超时。
	DefaultConfirmTimeout = 60 * time.Second
	// DefaultLookbackBlocks 是每次扫描回看的区块数。
	DefaultLookbackBlocks = 256
)

// CodeEventNotConfirmed 表示确认窗口内没有匹配的链上日志。
const CodeEventNotConfirmed xerrors.Code = "EVENT_NOT_CONFIRMED"

func init() {
	xerrors.Register(CodeEventNotConfirmed, xerrors.Attributes{
		Message:   "settlement event not confirmed on chain",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}

// LogSource 是确认器依赖的链读取能力子集。
type LogSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, query gethcore.FilterQuery) ([]coretypes.Log, error)
}

// ConfirmParams 描述一次事件确认请求。
type ConfirmParams struct {
	Contract       common.Address
	EventSignature string
	// MatchKey 是期望匹配的业务键（文档哈希）。为零值时接受第一条日志。
	MatchKey       common.Hash
	Interval       time.Duration
	Timeout        time.Duration
	LookbackBlocks uint64
}

// Confirmation 是从链上日志中提取的结算信息。节点自报的交易哈希
// 对这类工作流不作为权威来源，以日志派生值为准。
type Confirmation struct {
	TxHash       common.Hash
	BlockNumber  uint64
	DocumentHash common.Hash
	AccessHash   common.Hash
	DocumentID   *big.Int
}

// Confirmer 通过扫描有界区块窗口内的日志独立确认链上结算。
type Confirmer struct {
	source LogSource
	clock  clock.Clock
	log    *slog.Logger
}

// NewConfirmer 创建确认器。
func NewConfirmer(source LogSource, clk clock.Clock) *Confirmer {
	if clk == nil {
		clk = clock.System()
	}
	return &Confirmer{source: source, clock: clk, log: logger.Named("confirmer")}
}

// Confirm 轮询日志直到找到匹配事件或超时。
func (c *Confirmer) Confirm(ctx context.Context, params ConfirmParams) (*Confirmation, error) {
	if c == nil || c.source == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "确认器未初始化")
	}
	signature := strings.TrimSpace(params.EventSignature)
	if signature == "" {
		signature = DefaultEventSignature
	}
	interval := params.Interval
	if interval <= 0 {
		interval = DefaultConfirmInterval
	}
	timeout := params.Timeout
	if timeout <= 0 {
		timeout = DefaultConfirmTimeout
	}
	lookback := params.LookbackBlocks
	if lookback == 0 {
		lookback = DefaultLookbackBlocks
	}

	topic := crypto.Keccak256Hash([]byte(signature))
	deadline := c.clock.Now().Add(timeout)

	for {
		confirmation, err := c.scan(ctx, params.Contract, topic, params.MatchKey, lookback)
		if err != nil {
			c.log.Warn("扫描结算日志失败", slog.Any("error", err),
				slog.String("contract", params.Contract.Hex()))
		} else if confirmation != nil {
			c.log.Info("链上结算已确认",
				slog.String("tx_hash", confirmation.TxHash.Hex()),
				slog.Uint64("block_number", confirmation.BlockNumber),
			)
			return confirmation, nil
		}

		if !c.clock.Now().Before(deadline) {
			return nil, xerrors.New(CodeEventNotConfirmed, "确认窗口内未找到匹配的结算事件",
				xerrors.WithMetadata("contract", params.Contract.Hex()),
				xerrors.WithMetadata("match_key", params.MatchKey.Hex()),
			)
		}

		select {
		case <-ctx.Done():
			return nil, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "事件确认被取消")
		case <-c.clock.After(interval):
		}
	}
}

// scan 查询一个回看窗口内的日志并返回第一条匹配的确认信息。
func (c *Confirmer) scan(ctx context.Context, contract common.Address, topic, matchKey common.Hash, lookback uint64) (*Confirmation, error) {
	head, err := c.source.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取区块高度失败: %w", err)
	}
	from := uint64(0)
	if head > lookback {
		from = head - lookback
	}

	query := gethcore.FilterQuery{
		Addresses: []common.Address{contract},
		Topics:    [][]common.Hash{{topic}},
		FromBlock: new(big.Int).SetUint64(from),
		// ToBlock 留空表示查询到最新区块。
	}
	logs, err := c.source.FilterLogs(ctx, query)
	if err != nil {
		return nil, err
	}

	for _, entry := range logs {
		if len(entry.Topics) < 2 {
			continue
		}
		documentHash := entry.Topics[1]
		if (matchKey != common.Hash{}) && documentHash != matchKey {
			continue
		}
		accessHash, documentID, err := decodeSealedEvent(entry.Data)
		if err != nil {
			c.log.Warn("解析结算事件失败", slog.Any("error", err),
				slog.String("tx_hash", entry.TxHash.Hex()))
			continue
		}
		return &Confirmation{
			TxHash:       entry.TxHash,
			BlockNumber:  entry.BlockNumber,
			DocumentHash: documentHash,
			AccessHash:   accessHash,
			DocumentID:   documentID,
		}, nil
	}
	return nil, nil
}

// sealedEventArgs 是事件 data 段的 ABI 描述：(bytes32 accessHash, uint256 documentId)。
var sealedEventArgs = func() abi.Arguments {
	bytes32Type, err := abi.NewType("bytes32", "", nil)
	if err != nil {
		panic(err)
	}
	uint256Type, err := abi.NewType("uint256", "", nil)
	if err != nil {
		panic(err)
	}
	return abi.Arguments{
		{Name: "accessHash", Type: bytes32Type},
		{Name: "documentId", Type: uint256Type},
	}
}()

func decodeSealedEvent(data []byte) (common.Hash, *big.Int, error) {
	values, err := sealedEventArgs.Unpack(data)
	if err != nil {
		return common.Hash{}, nil, fmt.Errorf("解包事件 data 失败: %w", err)
	}
	if len(values) != 2 {
		return common.Hash{}, nil, fmt.Errorf("事件字段数量不符: %d", len(values))
	}
	rawHash, ok := values[0].([32]byte)
	if !ok {
		return common.Hash{}, nil, fmt.Errorf("accessHash 类型不符: %T", values[0])
	}
	documentID, ok := values[1].(*big.Int)
	if !ok {
		return common.Hash{}, nil, fmt.Errorf("documentId 类型不符: %T", values[1])
	}
	return common.Hash(rawHash), documentID, nil
}
