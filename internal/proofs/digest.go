package proofs

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"

	xerrors "IntentMesh/internal/errors"
)

// DigestScheme 标识基于 keccak 承诺的证明格式。
const DigestScheme = "keccak-commit/v1"

// DigestEngine 用 keccak 承诺隐藏私有输入，并把承诺与公开输入绑定在一起。
// 它不是零知识证明，只保证公开输入不可被篡改。
type DigestEngine struct {
	random io.Reader
}

// NewDigestEngine 创建 DigestEngine。
func NewDigestEngine() *DigestEngine {
	return &DigestEngine{random: rand.Reader}
}

// Generate 实现 Engine 接口。
func (e *DigestEngine) Generate(ctx context.Context, claim Claim) (Proof, error) {
	if err := ctx.Err(); err != nil {
		return Proof{}, err
	}
	if err := CheckConstraints(claim); err != nil {
		return Proof{}, err
	}

	nonce := make([]byte, 16)
	if _, err := io.ReadFull(e.random, nonce); err != nil {
		return Proof{}, xerrors.Wrap(CodeEngineFailure, err, "read nonce")
	}

	private := strings.Join([]string{
		claim.IntentID,
		strconv.FormatInt(claim.Bid, 10),
		strconv.FormatInt(claim.Ceiling, 10),
		strconv.FormatInt(claim.Balance, 10),
		hex.EncodeToString(nonce),
	}, "|")
	commitment := hex.EncodeToString(crypto.Keccak256([]byte(private)))
	inputs := claim.PublicInputs()

	return Proof{
		Scheme:       DigestScheme,
		Commitment:   commitment,
		Data:         bindInputs(commitment, inputs),
		PublicInputs: inputs,
	}, nil
}

// Verify 实现 Engine 接口。格式不符或公开输入不一致时返回 false 而非错误。
func (e *DigestEngine) Verify(ctx context.Context, proof Proof, claim Claim) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if proof.Empty() || proof.Scheme != DigestScheme {
		return false, nil
	}
	if !samePublicInputs(proof.PublicInputs, claim.PublicInputs()) {
		return false, nil
	}
	return bindInputs(proof.Commitment, proof.PublicInputs) == proof.Data, nil
}

func bindInputs(commitment string, inputs []string) string {
	digest := crypto.Keccak256([]byte(fmt.Sprintf("%s|%s", commitment, strings.Join(inputs, "|"))))
	return hex.EncodeToString(digest)
}
