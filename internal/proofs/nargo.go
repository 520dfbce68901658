package proofs

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "IntentMesh/internal/errors"
	"IntentMesh/pkg/logger"
)

// NoirScheme 标识由 nargo 生成的证明。
const NoirScheme = "noir/nargo"

// NargoConfig 描述 nargo 工程的位置。
type NargoConfig struct {
	Binary     string
	ProjectDir string
	ProofName  string
}

// NargoEngine 通过外部 nargo 可执行文件生成并验证证明。
// 找不到可执行文件或工程目录时退回到 fallback 引擎。
type NargoEngine struct {
	binary     string
	projectDir string
	proofName  string
	fallback   Engine
	logger     *slog.Logger
	lookPath   func(string) (string, error)
}

// NewNargoEngine 创建 NargoEngine。
func NewNargoEngine(cfg NargoConfig, fallback Engine) *NargoEngine {
	if cfg.Binary == "" {
		cfg.Binary = "nargo"
	}
	if cfg.ProofName == "" {
		cfg.ProofName = "intent"
	}
	if fallback == nil {
		fallback = NewDigestEngine()
	}
	return &NargoEngine{
		binary:     cfg.Binary,
		projectDir: cfg.ProjectDir,
		proofName:  cfg.ProofName,
		fallback:   fallback,
		logger:     logger.Named("proofs.nargo"),
		lookPath:   exec.LookPath,
	}
}

type proverInputs struct {
	Balance      string `toml:"balance"`
	BidAmount    string `toml:"bid_amount"`
	PriceCeiling string `toml:"price_ceiling"`
}

func (e *NargoEngine) available() (string, bool) {
	if e.projectDir == "" {
		return "", false
	}
	path, err := e.lookPath(e.binary)
	if err != nil {
		return "", false
	}
	return path, true
}

// Generate 写入 Prover.toml 后执行 nargo prove。
func (e *NargoEngine) Generate(ctx context.Context, claim Claim) (Proof, error) {
	if err := CheckConstraints(claim); err != nil {
		return Proof{}, err
	}
	binary, ok := e.available()
	if !ok {
		e.logger.Warn("nargo unavailable, using fallback proof engine", slog.String("intent_id", claim.IntentID))
		return e.fallback.Generate(ctx, claim)
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(proverInputs{
		Balance:      strconv.FormatInt(claim.Balance, 10),
		BidAmount:    strconv.FormatInt(claim.Bid, 10),
		PriceCeiling: strconv.FormatInt(claim.Ceiling, 10),
	}); err != nil {
		return Proof{}, xerrors.Wrap(CodeEngineFailure, err, "encode prover inputs")
	}
	if err := os.WriteFile(filepath.Join(e.projectDir, "Prover.toml"), buf.Bytes(), 0o600); err != nil {
		return Proof{}, xerrors.Wrap(CodeEngineFailure, err, "write prover inputs")
	}

	if _, err := e.run(ctx, binary, "prove", "--proof-name", e.proofName); err != nil {
		return Proof{}, err
	}

	raw, err := os.ReadFile(e.proofPath())
	if err != nil {
		return Proof{}, xerrors.Wrap(CodeEngineFailure, err, "read proof output")
	}
	data := strings.TrimSpace(string(raw))
	return Proof{
		Scheme:       NoirScheme,
		Commitment:   noirCommitment(data),
		Data:         data,
		PublicInputs: claim.PublicInputs(),
	}, nil
}

// Verify 对 noir 证明执行 nargo verify，其余格式交给 fallback。
func (e *NargoEngine) Verify(ctx context.Context, proof Proof, claim Claim) (bool, error) {
	if proof.Scheme != NoirScheme {
		return e.fallback.Verify(ctx, proof, claim)
	}
	if proof.Empty() || !samePublicInputs(proof.PublicInputs, claim.PublicInputs()) {
		return false, nil
	}
	if noirCommitment(proof.Data) != proof.Commitment {
		return false, nil
	}

	binary, ok := e.available()
	if !ok {
		// 本地没有 nargo 时只能做结构校验。
		e.logger.Warn("nargo unavailable, accepting structurally valid proof", slog.String("intent_id", claim.IntentID))
		return true, nil
	}
	if err := os.MkdirAll(filepath.Dir(e.proofPath()), 0o755); err != nil {
		return false, xerrors.Wrap(CodeEngineFailure, err, "prepare proof directory")
	}
	if err := os.WriteFile(e.proofPath(), []byte(proof.Data), 0o600); err != nil {
		return false, xerrors.Wrap(CodeEngineFailure, err, "write proof")
	}

	_, err := e.run(ctx, binary, "verify", "--proof-name", e.proofName)
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return false, nil
	}
	return false, err
}

func (e *NargoEngine) proofPath() string {
	return filepath.Join(e.projectDir, "proofs", e.proofName+".proof")
}

func (e *NargoEngine) run(ctx context.Context, binary string, args ...string) ([]byte, error) {
	command := exec.CommandContext(ctx, binary, args...)
	command.Dir = e.projectDir

	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return nil, xerrors.Wrap(CodeEngineFailure, err,
			fmt.Sprintf("nargo %s failed: %s", args[0], strings.TrimSpace(stderr.String())))
	}
	return stdout.Bytes(), nil
}

func noirCommitment(data string) string {
	return hex.EncodeToString(crypto.Keccak256([]byte(data)))
}
