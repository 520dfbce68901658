// Package evm settles intents on an EVM compatible chain: phase one is a plain
// value transfer to the counterparty, phase two is a zero-value transaction to
// a commitment address whose calldata binds the transfer hash to the proof.
package evm

import (
	"context"
	"crypto/ecdsa"
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

	xerrors "IntentMesh/internal/errors"
	"IntentMesh/internal/proofs"
	"IntentMesh/internal/settlement"
)

const transferGas = 21000

// Backend 是适配器依赖的链访问能力，*ethclient.Client 满足该接口。
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
}

// Config 描述 EVM 结算参数。
type Config struct {
	ChainID           int64
	PrivateKeyHex     string
	CommitmentAddress string
	WeiPerUnit        string
	GasLimit          uint64
}

// Adapter 实现 settlement.Adapter。
type Adapter struct {
	backend    Backend
	key        *ecdsa.PrivateKey
	from       common.Address
	chainID    *big.Int
	commitTo   common.Address
	weiPerUnit *big.Int
	gasLimit   uint64

	mu          sync.Mutex
	commitments map[string]string
	closer      func()
}

// Dial 连接 RPC 节点并创建适配器。
func Dial(ctx context.Context, rpcURL string, cfg Config) (*Adapter, error) {
	rpcURL = strings.TrimSpace(rpcURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTransportFailure, err, "连接以太坊节点失败")
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, xerrors.Wrap(xerrors.CodeTransportFailure, err, "获取链 ID 失败")
	}
	if cfg.ChainID != 0 && chainID.Int64() != cfg.ChainID {
		client.Close()
		return nil, fmt.Errorf("链 ID 不匹配: 配置 %d, 节点 %s", cfg.ChainID, chainID)
	}
	cfg.ChainID = chainID.Int64()
	adapter, err := New(client, cfg)
	if err != nil {
		client.Close()
		return nil, err
	}
	adapter.closer = client.Close
	return adapter, nil
}

// New 使用给定后端创建适配器。
func New(backend Backend, cfg Config) (*Adapter, error) {
	if backend == nil {
		return nil, errors.New("缺少链访问后端")
	}
	if cfg.ChainID <= 0 {
		return nil, errors.New("chain id 必须为正数")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(cfg.PrivateKeyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("解析结算私钥失败: %w", err)
	}
	if !common.IsHexAddress(cfg.CommitmentAddress) {
		return nil, fmt.Errorf("承诺地址无效: %q", cfg.CommitmentAddress)
	}
	wei, ok := new(big.Int).SetString(strings.TrimSpace(cfg.WeiPerUnit), 10)
	if !ok || wei.Sign() <= 0 {
		return nil, fmt.Errorf("wei_per_unit 无效: %q", cfg.WeiPerUnit)
	}
	gasLimit := cfg.GasLimit
	if gasLimit == 0 {
		gasLimit = 60000
	}
	return &Adapter{
		backend:     backend,
		key:         key,
		from:        crypto.PubkeyToAddress(key.PublicKey),
		chainID:     big.NewInt(cfg.ChainID),
		commitTo:    common.HexToAddress(cfg.CommitmentAddress),
		weiPerUnit:  wei,
		gasLimit:    gasLimit,
		commitments: make(map[string]string),
	}, nil
}

// From 返回结算账户地址。
func (a *Adapter) From() common.Address { return a.from }

// Transfer 向 recipient 发送 amount * wei_per_unit 的转账。
func (a *Adapter) Transfer(ctx context.Context, amount int64, recipient string) (string, error) {
	if amount <= 0 {
		return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("invalid amount %d", amount))
	}
	if !common.IsHexAddress(recipient) {
		return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("recipient %q is not an address", recipient))
	}
	to := common.HexToAddress(recipient)
	value := new(big.Int).Mul(big.NewInt(amount), a.weiPerUnit)

	a.mu.Lock()
	defer a.mu.Unlock()
	tx, err := a.send(ctx, &to, value, transferGas, nil)
	if err != nil {
		return "", err
	}
	return tx.Hash().Hex(), nil
}

// Finalize 发送承诺交易。同一转账哈希只会发送一次。
func (a *Adapter) Finalize(ctx context.Context, transferRef string, proof proofs.Proof) (string, error) {
	if proof.Empty() {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "proof is required")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if ref, ok := a.commitments[transferRef]; ok {
		return ref, nil
	}
	tx, err := a.send(ctx, &a.commitTo, big.NewInt(0), a.gasLimit, CommitmentData(transferRef, proof))
	if err != nil {
		return "", err
	}
	ref := tx.Hash().Hex()
	a.commitments[transferRef] = ref
	return ref, nil
}

// CommitmentData 返回承诺交易的 calldata：转账哈希与证明摘要拼接后的 keccak。
func CommitmentData(transferRef string, proof proofs.Proof) []byte {
	return crypto.Keccak256(common.HexToHash(transferRef).Bytes(), proof.Digest())
}

// Status 根据交易回执判断状态。尚未上链视为 pending。
func (a *Adapter) Status(ctx context.Context, ref string) (settlement.Status, error) {
	receipt, err := a.backend.TransactionReceipt(ctx, common.HexToHash(ref))
	if errors.Is(err, gethcore.NotFound) {
		return settlement.StatusPending, nil
	}
	if err != nil {
		return settlement.StatusUnknown, xerrors.Wrap(xerrors.CodeTransportFailure, err, "查询交易回执失败")
	}
	if receipt.Status == coretypes.ReceiptStatusSuccessful {
		return settlement.StatusFinalized, nil
	}
	return settlement.StatusFailed, nil
}

// send 在持有 a.mu 的前提下签名并发送交易。
func (a *Adapter) send(ctx context.Context, to *common.Address, value *big.Int, gas uint64, data []byte) (*coretypes.Transaction, error) {
	nonce, err := a.backend.PendingNonceAt(ctx, a.from)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTransportFailure, err, "查询交易计数失败")
	}
	gasPrice, err := a.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTransportFailure, err, "查询 gas 价格失败")
	}
	tx := coretypes.NewTx(&coretypes.LegacyTx{
		Nonce:    nonce,
		To:       to,
		Value:    value,
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(a.chainID), a.key)
	if err != nil {
		return nil, fmt.Errorf("签名交易失败: %w", err)
	}
	if err := a.backend.SendTransaction(ctx, signed); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTransportFailure, err, "发送交易失败")
	}
	return signed, nil
}

// Close 释放 RPC 连接。
func (a *Adapter) Close() {
	if a.closer != nil {
		a.closer()
	}
}
