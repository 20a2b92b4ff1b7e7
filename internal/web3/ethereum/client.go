package ethereum

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"SafeTx-Relay/internal/web3"
	"SafeTx-Relay/pkg/logger"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/sync/errgroup"
)

const (
	defaultPollInterval   = time.Second
	defaultReceiptTimeout = 2 * time.Minute
)

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name           string
	RPCURL         string
	WSURL          string
	BatchRPCURL    string
	Notes          string
	Confirmations  uint64
	PollInterval   time.Duration
	ReceiptTimeout time.Duration
}

// backend is the node surface the client needs. Both *ethclient.Client and
// simulated.Client satisfy it.
type backend interface {
	CallContract(ctx context.Context, call gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, call gethcore.CallMsg) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
	ChainID(ctx context.Context) (*big.Int, error)
	FilterLogs(ctx context.Context, q gethcore.FilterQuery) ([]coretypes.Log, error)
	logSubscriber
}

// logSubscriber mirrors the subset of methods required for log subscriptions.
type logSubscriber interface {
	SubscribeFilterLogs(ctx context.Context, q gethcore.FilterQuery, ch chan<- coretypes.Log) (gethcore.Subscription, error)
}

// Client implements web3.Client for EVM compatible chains.
type Client struct {
	name          string
	notes         string
	rpcClient     *gethrpc.Client
	batchClient   *gethrpc.Client
	eth           backend
	events        logSubscriber
	mine          func()
	confirmations uint64
	pollInterval  time.Duration
	timeout       time.Duration
	chainID       *big.Int
	logger        *slog.Logger
	mu            sync.Mutex
}

// NewClient dials the configured RPC endpoints and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	eth := ethclient.NewClient(rpcClient)

	batchClient := rpcClient
	if batchURL := strings.TrimSpace(cfg.BatchRPCURL); batchURL != "" && batchURL != rpcURL {
		batchClient, err = gethrpc.DialContext(ctx, batchURL)
		if err != nil {
			rpcClient.Close()
			return nil, fmt.Errorf("连接批量调用节点失败: %w", err)
		}
	}

	c := newClient(cfg)
	c.rpcClient = rpcClient
	c.batchClient = batchClient
	c.eth = eth
	c.events = eth
	if wsURL := strings.TrimSpace(cfg.WSURL); wsURL != "" {
		if wsRPC, wsErr := gethrpc.DialContext(ctx, wsURL); wsErr == nil {
			c.events = ethclient.NewClient(wsRPC)
		} else {
			c.logger.Warn("WebSocket 端点不可用，事件订阅回退到 RPC", slog.String("error", wsErr.Error()))
		}
	}
	return c, nil
}

// NewSimulatedClient wraps a go-ethereum simulated backend. Every submitted
// transaction and every receipt poll mines a block.
func NewSimulatedClient(name string, sim *simulated.Backend, cfg Config) *Client {
	cfg.Name = name
	cfg.Notes = "simulated backend"
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	c := newClient(cfg)
	eth := sim.Client()
	c.eth = eth
	c.events = eth
	c.mine = func() { sim.Commit() }
	return c
}

func newClient(cfg Config) *Client {
	c := &Client{
		name:          cfg.Name,
		notes:         cfg.Notes,
		confirmations: cfg.Confirmations,
		pollInterval:  cfg.PollInterval,
		timeout:       cfg.ReceiptTimeout,
		logger:        logger.Named("ethereum").With(slog.String("chain", cfg.Name)),
	}
	if c.confirmations == 0 {
		c.confirmations = 1
	}
	if c.pollInterval <= 0 {
		c.pollInterval = defaultPollInterval
	}
	if c.timeout <= 0 {
		c.timeout = defaultReceiptTimeout
	}
	return c
}

// Name returns the configured chain name.
func (c *Client) Name() string {
	return c.name
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ec, ok := c.events.(*ethclient.Client); ok && c.events != c.eth {
		ec.Close()
	}
	c.events = nil
	if c.batchClient != nil && c.batchClient != c.rpcClient {
		c.batchClient.Close()
	}
	if c.rpcClient != nil {
		c.rpcClient.Close()
	}
	c.rpcClient = nil
	c.batchClient = nil
}

// Submit broadcasts a signed raw transaction and waits for its receipt and
// the configured number of confirmations. The returned result carries the
// hash even when waiting fails.
func (c *Client) Submit(ctx context.Context, raw []byte) (*web3.SubmitResult, error) {
	tx := new(coretypes.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("解析交易失败: %w", err)
	}
	if err := c.eth.SendTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("广播交易失败: %w", asRevert(err))
	}
	c.logger.Info("交易已广播", slog.String("tx_hash", tx.Hash().Hex()), slog.Uint64("nonce", tx.Nonce()))
	c.tick()

	result := &web3.SubmitResult{TxHash: tx.Hash()}
	waitCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	receipt, err := c.waitReceipt(waitCtx, tx.Hash())
	if err != nil {
		return result, err
	}
	result.Receipt = receipt
	result.Confirmations, err = c.waitConfirmations(waitCtx, receipt)
	return result, err
}

func (c *Client) waitReceipt(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		receipt, err := c.eth.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, gethcore.NotFound) {
			return nil, fmt.Errorf("查询交易回执失败: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: 回执 %s (%w)", web3.ErrConfirmationTimeout, hash.Hex(), ctx.Err())
		case <-ticker.C:
			c.tick()
		}
	}
}

func (c *Client) waitConfirmations(ctx context.Context, receipt *coretypes.Receipt) (uint64, error) {
	if receipt.BlockNumber == nil {
		return 0, errors.New("交易回执缺少区块高度")
	}
	mined := receipt.BlockNumber.Uint64()
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		head, err := c.eth.BlockNumber(ctx)
		if err != nil && ctx.Err() == nil {
			return 0, fmt.Errorf("获取最新区块高度失败: %w", err)
		}
		var confirmations uint64
		if err == nil && head >= mined {
			confirmations = head - mined + 1
		}
		if confirmations >= c.confirmations {
			return confirmations, nil
		}
		select {
		case <-ctx.Done():
			return confirmations, fmt.Errorf("%w: %d/%d (%w)", web3.ErrConfirmationTimeout, confirmations, c.confirmations, ctx.Err())
		case <-ticker.C:
			c.tick()
		}
	}
}

func (c *Client) tick() {
	if c.mine != nil {
		c.mine()
	}
}

// Nonce returns the pending transaction count of account.
func (c *Client) Nonce(ctx context.Context, account common.Address) (uint64, error) {
	nonce, err := c.eth.PendingNonceAt(ctx, account)
	if err != nil {
		return 0, fmt.Errorf("查询交易计数失败: %w", err)
	}
	return nonce, nil
}

// Call runs eth_call against msg.Block, or the latest block when unset. A
// revert is returned as *web3.RevertError with the raw payload.
func (c *Client) Call(ctx context.Context, msg web3.CallMsg) ([]byte, error) {
	out, err := c.eth.CallContract(ctx, toGethCall(msg), msg.Block)
	if err != nil {
		return nil, asRevert(err)
	}
	return out, nil
}

// CallBatch sends every call in one JSON-RPC batch when an RPC endpoint is
// available and falls back to concurrent calls otherwise.
func (c *Client) CallBatch(ctx context.Context, msgs []web3.CallMsg) []web3.CallResult {
	results := make([]web3.CallResult, len(msgs))
	if c.batchClient == nil {
		var g errgroup.Group
		for i, msg := range msgs {
			g.Go(func() error {
				data, err := c.Call(ctx, msg)
				results[i] = web3.CallResult{Data: data, Err: err}
				return nil
			})
		}
		_ = g.Wait()
		return results
	}

	outputs := make([]hexutil.Bytes, len(msgs))
	elems := make([]gethrpc.BatchElem, len(msgs))
	for i, msg := range msgs {
		elems[i] = gethrpc.BatchElem{
			Method: "eth_call",
			Args:   []any{toCallArg(msg), blockArg(msg.Block)},
			Result: &outputs[i],
		}
	}
	if err := c.batchClient.BatchCallContext(ctx, elems); err != nil {
		for i := range results {
			results[i].Err = fmt.Errorf("批量调用失败: %w", err)
		}
		return results
	}
	for i, elem := range elems {
		if elem.Error != nil {
			results[i].Err = asRevert(elem.Error)
			continue
		}
		results[i].Data = outputs[i]
	}
	return results
}

// ChainID returns the chain id, cached after the first successful call.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	cached := c.chainID
	c.mu.Unlock()
	if cached != nil {
		return new(big.Int).Set(cached), nil
	}
	id, err := c.eth.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	c.mu.Lock()
	c.chainID = new(big.Int).Set(id)
	c.mu.Unlock()
	return id, nil
}

// SuggestGasPrice returns the node's legacy gas price suggestion.
func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	price, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取 gas 价格失败: %w", err)
	}
	return price, nil
}

// EstimateGas estimates msg; reverts surface as *web3.RevertError.
func (c *Client) EstimateGas(ctx context.Context, msg web3.CallMsg) (uint64, error) {
	gas, err := c.eth.EstimateGas(ctx, toGethCall(msg))
	if err != nil {
		return 0, asRevert(err)
	}
	return gas, nil
}

// BlockNumber returns the current head.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	return c.eth.BlockNumber(ctx)
}

// SubscribeEvents attaches a log subscription to the chain.
func (c *Client) SubscribeEvents(ctx context.Context, query gethcore.FilterQuery) (*web3.EventSubscription, error) {
	subscriber := c.eventBackend()
	if subscriber == nil {
		return nil, errors.New("当前客户端不支持事件订阅")
	}
	logs := make(chan coretypes.Log, 64)
	sub, err := subscriber.SubscribeFilterLogs(ctx, query, logs)
	if err != nil {
		return nil, fmt.Errorf("订阅事件失败: %w", err)
	}
	return web3.NewEventSubscription(logs, sub), nil
}

// StreamLogs replays logs matching query over the last window blocks up to
// the current head and then follows new ones. Each range re-runs the replay. The subscription is opened before the head
// is read so nothing falls between replay and live delivery. Iteration stops
// on the first error, when ctx is done or when the consumer breaks.
func (c *Client) StreamLogs(ctx context.Context, query gethcore.FilterQuery, window uint64) iter.Seq2[coretypes.Log, error] {
	return func(yield func(coretypes.Log, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		sub, err := c.SubscribeEvents(ctx, query)
		if err != nil {
			yield(coretypes.Log{}, err)
			return
		}
		defer sub.Close()

		head, err := c.eth.BlockNumber(ctx)
		if err != nil {
			yield(coretypes.Log{}, fmt.Errorf("获取最新区块高度失败: %w", err))
			return
		}
		var fromBlock uint64
		if window < head {
			fromBlock = head - window
		}
		replay := query
		replay.FromBlock = new(big.Int).SetUint64(fromBlock)
		replay.ToBlock = new(big.Int).SetUint64(head)
		logs, err := c.eth.FilterLogs(ctx, replay)
		if err != nil {
			yield(coretypes.Log{}, fmt.Errorf("回放历史事件失败: %w", err))
			return
		}
		for _, log := range logs {
			if !yield(log, nil) {
				return
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-sub.Err():
				if ok && err != nil {
					yield(coretypes.Log{}, fmt.Errorf("事件订阅中断: %w", err))
				}
				return
			case log, ok := <-sub.Logs():
				if !ok {
					return
				}
				if log.BlockNumber <= head {
					continue
				}
				if !yield(log, nil) {
					return
				}
			}
		}
	}
}

func (c *Client) eventBackend() logSubscriber {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.events != nil {
		return c.events
	}
	return c.eth
}

func toGethCall(msg web3.CallMsg) gethcore.CallMsg {
	to := msg.To
	return gethcore.CallMsg{From: msg.From, To: &to, Gas: msg.Gas, Value: msg.Value, Data: msg.Data}
}

func blockArg(block *big.Int) string {
	if block == nil {
		return "latest"
	}
	return hexutil.EncodeBig(block)
}

func toCallArg(msg web3.CallMsg) map[string]any {
	arg := map[string]any{
		"from": msg.From,
		"to":   msg.To,
	}
	if len(msg.Data) > 0 {
		arg["input"] = hexutil.Bytes(msg.Data)
	}
	if msg.Gas != 0 {
		arg["gas"] = hexutil.Uint64(msg.Gas)
	}
	if msg.Value != nil {
		arg["value"] = (*hexutil.Big)(msg.Value)
	}
	return arg
}

// asRevert converts a JSON-RPC error carrying revert data into
// *web3.RevertError. Other errors are returned unchanged.
func asRevert(err error) error {
	if err == nil {
		return nil
	}
	var dataErr gethrpc.DataError
	if errors.As(err, &dataErr) {
		if payload, ok := revertData(dataErr.ErrorData()); ok {
			reason, _ := abi.UnpackRevert(payload)
			return &web3.RevertError{Payload: payload, Reason: reason}
		}
	}
	if strings.Contains(err.Error(), "execution reverted") {
		return &web3.RevertError{}
	}
	return err
}

func revertData(data any) ([]byte, bool) {
	switch v := data.(type) {
	case string:
		payload, err := hexutil.Decode(v)
		return payload, err == nil
	case []byte:
		return v, true
	case hexutil.Bytes:
		return v, true
	}
	return nil, false
}
