package settlement

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	xerrors "IntentMesh/internal/errors"
	"IntentMesh/internal/proofs"
)

type memoryTransfer struct {
	amount    int64
	recipient string
}

// Calls 统计 MemoryAdapter 各方法被调用的次数。
type Calls struct {
	Transfer int
	Finalize int
	Status   int
}

// MemoryAdapter 是进程内的结算账本，多个节点可以共享同一个实例。
type MemoryAdapter struct {
	mu           sync.Mutex
	transfers    map[string]memoryTransfer
	commitments  map[string]string
	statuses     map[string]Status
	pendingPolls map[string]int
	calls        Calls

	failTransfers int
	failFinalizes int
	pendingRounds int
	transferDelay time.Duration
}

// NewMemoryAdapter 创建内存结算账本。
func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{
		transfers:    make(map[string]memoryTransfer),
		commitments:  make(map[string]string),
		statuses:     make(map[string]Status),
		pendingPolls: make(map[string]int),
	}
}

// FailTransfers 让接下来 n 次 Transfer 失败。
func (m *MemoryAdapter) FailTransfers(n int) {
	m.mu.Lock()
	m.failTransfers = n
	m.mu.Unlock()
}

// FailFinalizes 让接下来 n 次 Finalize 失败。
func (m *MemoryAdapter) FailFinalizes(n int) {
	m.mu.Lock()
	m.failFinalizes = n
	m.mu.Unlock()
}

// DelayTransfers 让每次 Transfer 在提交前等待 d。
func (m *MemoryAdapter) DelayTransfers(d time.Duration) {
	m.mu.Lock()
	m.transferDelay = d
	m.mu.Unlock()
}

// DelayFinality 让每个新承诺在前 n 次 Status 查询中保持 pending。
func (m *MemoryAdapter) DelayFinality(n int) {
	m.mu.Lock()
	m.pendingRounds = n
	m.mu.Unlock()
}

// Calls 返回调用计数。
func (m *MemoryAdapter) Calls() Calls {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Transfer 实现 Adapter。
func (m *MemoryAdapter) Transfer(ctx context.Context, amount int64, recipient string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	delay := m.transferDelay
	m.mu.Unlock()
	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls.Transfer++
	if m.failTransfers > 0 {
		m.failTransfers--
		return "", xerrors.New(xerrors.CodeTransportFailure, "memory ledger unavailable")
	}
	if amount <= 0 {
		return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("invalid amount %d", amount))
	}
	if strings.TrimSpace(recipient) == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "recipient is required")
	}
	ref := "tx-" + uuid.NewString()
	m.transfers[ref] = memoryTransfer{amount: amount, recipient: recipient}
	m.statuses[ref] = StatusFinalized
	return ref, nil
}

// Finalize 实现 Adapter。同一转账引用总是得到同一个承诺引用。
func (m *MemoryAdapter) Finalize(ctx context.Context, transferRef string, proof proofs.Proof) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls.Finalize++
	if ref, ok := m.commitments[transferRef]; ok {
		return ref, nil
	}
	if m.failFinalizes > 0 {
		m.failFinalizes--
		return "", xerrors.New(xerrors.CodeTransportFailure, "memory ledger unavailable")
	}
	if _, ok := m.transfers[transferRef]; !ok {
		return "", xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("unknown transfer %s", transferRef))
	}
	if proof.Empty() {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "proof is required")
	}
	digest := crypto.Keccak256([]byte(transferRef), proof.Digest())
	ref := "cm-" + hex.EncodeToString(digest[:16])
	m.commitments[transferRef] = ref
	if m.pendingRounds > 0 {
		m.statuses[ref] = StatusPending
		m.pendingPolls[ref] = m.pendingRounds
	} else {
		m.statuses[ref] = StatusFinalized
	}
	return ref, nil
}

// Status 实现 Adapter。
func (m *MemoryAdapter) Status(ctx context.Context, ref string) (Status, error) {
	if err := ctx.Err(); err != nil {
		return StatusUnknown, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls.Status++
	status, ok := m.statuses[ref]
	if !ok {
		return StatusUnknown, nil
	}
	if status == StatusPending {
		m.pendingPolls[ref]--
		if m.pendingPolls[ref] <= 0 {
			m.statuses[ref] = StatusFinalized
			delete(m.pendingPolls, ref)
		}
	}
	return status, nil
}

// MarkFailed 把引用标记为失败，用于模拟链上回滚。
func (m *MemoryAdapter) MarkFailed(ref string) {
	m.mu.Lock()
	m.statuses[ref] = StatusFailed
	delete(m.pendingPolls, ref)
	m.mu.Unlock()
}
