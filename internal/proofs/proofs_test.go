package proofs

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	xerrors "IntentMesh/internal/errors"
)

func sampleClaim() Claim {
	return Claim{
		IntentID:      "intent-1",
		Bid:           90,
		Ceiling:       95,
		Balance:       1000,
		PayloadDigest: DigestPayload("buy 10 units under price 95"),
	}
}

func TestDigestEngineRoundTrip(t *testing.T) {
	engine := NewDigestEngine()
	claim := sampleClaim()

	proof, err := engine.Generate(context.Background(), claim)
	require.NoError(t, err)
	require.Equal(t, DigestScheme, proof.Scheme)
	require.False(t, proof.Empty())

	verifier := Claim{IntentID: claim.IntentID, Bid: claim.Bid, PayloadDigest: claim.PayloadDigest}
	ok, err := engine.Verify(context.Background(), proof, verifier)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestDigestEngineDetectsTampering(t *testing.T) {
	engine := NewDigestEngine()
	claim := sampleClaim()
	proof, err := engine.Generate(context.Background(), claim)
	require.NoError(t, err)

	raised := claim
	raised.Bid = 91
	ok, err := engine.Verify(context.Background(), proof, raised)
	require.NoError(t, err)
	require.False(t, ok)

	forged := proof
	forged.PublicInputs = raised.PublicInputs()
	ok, err = engine.Verify(context.Background(), forged, raised)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = engine.Verify(context.Background(), Proof{}, claim)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGenerateEnforcesConstraints(t *testing.T) {
	engine := NewDigestEngine()
	cases := map[string]Claim{
		"zero bid":       {IntentID: "a", Bid: 0, Ceiling: 10},
		"above ceiling":  {IntentID: "a", Bid: 11, Ceiling: 10},
		"short balance":  {IntentID: "a", Bid: 10, Ceiling: 10, Balance: 5},
		"missing intent": {Bid: 10},
	}
	for name, claim := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := engine.Generate(context.Background(), claim)
			require.Error(t, err)
			require.True(t, xerrors.HasCode(err, CodeConstraintUnsatisfied))
		})
	}
}

func TestGenerateHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewDigestEngine().Generate(ctx, sampleClaim())
	require.ErrorIs(t, err, context.Canceled)
}

func TestNargoEngineFallsBackWithoutBinary(t *testing.T) {
	engine := NewNargoEngine(NargoConfig{ProjectDir: t.TempDir()}, nil)
	engine.lookPath = func(string) (string, error) { return "", errors.New("not found") }

	claim := sampleClaim()
	proof, err := engine.Generate(context.Background(), claim)
	require.NoError(t, err)
	require.Equal(t, DigestScheme, proof.Scheme)

	ok, err := engine.Verify(context.Background(), proof, claim)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestNargoEngineStructuralCheckWithoutBinary(t *testing.T) {
	engine := NewNargoEngine(NargoConfig{}, nil)
	claim := sampleClaim()
	data := "0badc0de"
	proof := Proof{
		Scheme:       NoirScheme,
		Data:         data,
		Commitment:   noirCommitment(data),
		PublicInputs: claim.PublicInputs(),
	}

	ok, err := engine.Verify(context.Background(), proof, claim)
	require.NoError(t, err)
	require.True(t, ok)

	proof.Data = "changed"
	ok, err = engine.Verify(context.Background(), proof, claim)
	require.NoError(t, err)
	require.False(t, ok)
}
