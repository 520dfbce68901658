package negotiation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	xerrors "IntentMesh/internal/errors"
	"IntentMesh/internal/intent"
)

func TestFloorPolicyDecide(t *testing.T) {
	policy := FloorPolicy{DefaultFloor: 50, Floors: map[string]int64{"gpu": 120}}
	ctx := context.Background()

	cases := []struct {
		name   string
		offer  Offer
		action Action
		price  int64
	}{
		{"accept at bid", Offer{Terms: intent.ParseTerms("buy 10 units under price 95"), Bid: 90}, ActionAccept, 90},
		{"counter at floor", Offer{Terms: intent.ParseTerms("buy 10 units under price 95"), Bid: 40}, ActionCounter, 50},
		{"asset floor above ceiling", Offer{Terms: intent.ParseTerms("buy 1 gpu under 100"), Bid: 80}, ActionReject, 0},
		{"no bid", Offer{Terms: intent.Terms{}}, ActionReject, 0},
		{"payload floor wins", Offer{Terms: intent.ParseTerms("sell 3 units at least 70"), Bid: 60}, ActionCounter, 70},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			decision, err := policy.Decide(ctx, tc.offer)
			require.NoError(t, err)
			require.Equal(t, tc.action, decision.Action)
			require.Equal(t, tc.price, decision.Price)
			require.NotEmpty(t, decision.Strategy)
		})
	}
}

func TestChatAdvisorParsesRecommendation(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Empty(t, r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message": map[string]any{
					"content": "```json\n{\"recommended_bid\": 82.6, \"strategy\": \"anchor low\", \"confidence\": 80}\n```",
				},
			}},
		})
	}))
	defer srv.Close()

	advisor := NewChatAdvisor(AdvisorConfig{Endpoint: srv.URL + "/v1/", Timeout: time.Second})
	advice, err := advisor.Advise(context.Background(), AdviceRequest{Payload: "buy 10 units", Ceiling: 95, Market: 90})
	require.NoError(t, err)
	require.Equal(t, int64(82), advice.RecommendedBid)
	require.Equal(t, "anchor low", advice.Strategy)
	require.Equal(t, "llama3", captured["model"])

	messages := captured["messages"].([]any)
	system := messages[0].(map[string]any)["content"].(string)
	require.True(t, strings.Contains(system, "maximum acceptable price is 95"))
}

func TestChatAdvisorHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	advisor := NewChatAdvisor(AdvisorConfig{Endpoint: srv.URL, APIKey: "k"})
	_, err := advisor.Advise(context.Background(), AdviceRequest{Ceiling: 10, Market: 10})
	require.Error(t, err)
	require.Contains(t, err.Error(), "503")
}

type stubAdvisor struct {
	advice Advice
	err    error
}

func (s stubAdvisor) Advise(context.Context, AdviceRequest) (Advice, error) { return s.advice, s.err }

func TestRecommenderRejectsAdviceAboveCeiling(t *testing.T) {
	r := NewRecommender(stubAdvisor{advice: Advice{RecommendedBid: 150, Strategy: "greedy"}})
	advice, err := r.Recommend(context.Background(), AdviceRequest{Ceiling: 100, Market: 100})
	require.NoError(t, err)
	require.True(t, advice.Fallback)
	require.Equal(t, int64(95), advice.RecommendedBid)
}

func TestRecommenderUsesValidAdvice(t *testing.T) {
	r := NewRecommender(stubAdvisor{advice: Advice{RecommendedBid: 70, Strategy: "anchor"}})
	advice, err := r.Recommend(context.Background(), AdviceRequest{Ceiling: 100, Market: 90})
	require.NoError(t, err)
	require.False(t, advice.Fallback)
	require.Equal(t, int64(70), advice.RecommendedBid)
}

func TestRecommenderFallbackOnError(t *testing.T) {
	r := NewRecommender(stubAdvisor{err: errors.New("connection refused")})
	advice, err := r.Recommend(context.Background(), AdviceRequest{Ceiling: 80, Market: 200})
	require.NoError(t, err)
	require.Equal(t, int64(80), advice.RecommendedBid, "fallback is clamped to the ceiling")

	_, err = NewRecommender(nil).Recommend(context.Background(), AdviceRequest{})
	require.Error(t, err)
	require.Equal(t, CodeAdviceRejected, xerrors.CodeOf(err))
}
