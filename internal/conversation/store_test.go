package conversation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llmchat/internal/core"
	"llmchat/internal/tokenizer"
)

func newTestStore() *Store {
	return NewStore(tokenizer.Heuristic{})
}

func TestStore_AppendAddsEstimate(t *testing.T) {
	s := newTestStore()

	added := s.Append(core.Message{Role: core.RoleUser, Content: "Hello"})
	assert.Equal(t, 2, added)
	assert.Equal(t, 2, s.Total())

	s.Append(core.Message{Role: core.RoleAssistant, Content: "Hi there"})
	assert.Equal(t, 4, s.Total())
	assert.Equal(t, 2, s.Len())
}

func TestStore_AppendUsesExactUsage(t *testing.T) {
	s := newTestStore()

	s.Append(core.Message{
		Role:       core.RoleAssistant,
		Content:    "Hi there",
		TokenUsage: &core.TokenUsage{PromptTokens: 5, CompletionTokens: 7, TotalTokens: 12},
	})
	assert.Equal(t, 7, s.Total())
}

func TestStore_MessageTokens(t *testing.T) {
	s := newTestStore()
	usage := &core.TokenUsage{PromptTokens: 11, CompletionTokens: 13, TotalTokens: 24}

	tests := []struct {
		name string
		msg  core.Message
		want int
	}{
		{"user without usage", core.Message{Role: core.RoleUser, Content: "Hello"}, 2},
		{"user with usage", core.Message{Role: core.RoleUser, Content: "Hello", TokenUsage: usage}, 11},
		{"assistant with usage", core.Message{Role: core.RoleAssistant, Content: "Hello", TokenUsage: usage}, 13},
		{"assistant with zero completion", core.Message{Role: core.RoleAssistant, Content: "Hello", TokenUsage: &core.TokenUsage{}}, 2},
		{"system ignores usage", core.Message{Role: core.RoleSystem, Content: "Hello", TokenUsage: usage}, 2},
		{"empty content", core.Message{Role: core.RoleUser}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.MessageTokens(tt.msg))
		})
	}
}

func TestStore_AppendWithTotalReplaces(t *testing.T) {
	s := newTestStore()
	s.Append(core.Message{Role: core.RoleUser, Content: "Hello"})
	s.SetTotal(5)

	s.AppendWithTotal(core.Message{
		Role:       core.RoleAssistant,
		Content:    "Hi there",
		TokenUsage: &core.TokenUsage{PromptTokens: 5, CompletionTokens: 7, TotalTokens: 12},
	}, 12)

	assert.Equal(t, 12, s.Total())
	assert.Equal(t, 2, s.Len())
}

func TestStore_ReplaceAll(t *testing.T) {
	msgs := []core.Message{
		{Role: core.RoleUser, Content: "Hello"},
		{Role: core.RoleAssistant, Content: "Hi there", TokenUsage: &core.TokenUsage{CompletionTokens: 9}},
	}

	t.Run("recomputes without stored total", func(t *testing.T) {
		s := newTestStore()
		s.Append(core.Message{Role: core.RoleUser, Content: "old message"})

		s.ReplaceAll(msgs, nil)
		assert.Equal(t, 2+9, s.Total())
		assert.Equal(t, msgs, s.Messages())
	})

	t.Run("stored total wins", func(t *testing.T) {
		s := newTestStore()
		stored := 40
		s.ReplaceAll(msgs, &stored)
		assert.Equal(t, 40, s.Total())
	})

	t.Run("zero stored total is recomputed", func(t *testing.T) {
		s := newTestStore()
		stored := 0
		s.ReplaceAll(msgs, &stored)
		assert.Equal(t, 2+9, s.Total())
	})

	t.Run("empty conversation with zero total", func(t *testing.T) {
		s := newTestStore()
		stored := 0
		s.ReplaceAll([]core.Message{}, &stored)
		assert.Equal(t, 0, s.Total())
	})

	t.Run("caller slice is not aliased", func(t *testing.T) {
		s := newTestStore()
		in := []core.Message{{Role: core.RoleUser, Content: "a"}}
		s.ReplaceAll(in, nil)
		in[0].Content = "mutated"
		assert.Equal(t, "a", s.Messages()[0].Content)
	})
}

func TestStore_Clear(t *testing.T) {
	s := newTestStore()
	s.Append(core.Message{Role: core.RoleUser, Content: "Hello"})
	s.Clear()

	assert.Equal(t, 0, s.Total())
	assert.Equal(t, 0, s.Len())
	assert.NotNil(t, s.Messages())
}

func TestStore_SetTotalClampsNegative(t *testing.T) {
	s := newTestStore()
	s.SetTotal(-3)
	assert.Equal(t, 0, s.Total())
}

func TestStore_ContextPercent(t *testing.T) {
	s := newTestStore()
	s.SetTotal(2048)

	assert.InDelta(t, 50.0, s.ContextPercent(4096), 0.001)
	assert.Equal(t, 0.0, s.ContextPercent(0))

	s.SetTotal(10000)
	assert.Equal(t, 100.0, s.ContextPercent(4096))
}

func TestStore_SerializeDeserializeRoundTrip(t *testing.T) {
	src := newTestStore()
	src.Append(core.Message{Role: core.RoleUser, Content: "Hello"})
	src.AppendWithTotal(core.Message{
		Role:             core.RoleAssistant,
		Content:          "Hi there",
		ReasoningContent: "greeting",
		TokenUsage:       &core.TokenUsage{PromptTokens: 5, CompletionTokens: 7, TotalTokens: 12},
	}, 12)

	settings := Settings{APIEndpoint: "https://api.example.com/v1/chat/completions", Model: "m", ContextWindowSize: 4096}
	doc := src.Serialize(settings, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))

	data, err := Encode(doc)
	require.NoError(t, err)
	decoded, err := Decode(data)
	require.NoError(t, err)

	dst := newTestStore()
	require.NoError(t, dst.Deserialize(decoded))

	assert.Equal(t, src.Messages(), dst.Messages())
	assert.Equal(t, src.Total(), dst.Total())
	require.NotNil(t, decoded.Settings)
	assert.Equal(t, settings, *decoded.Settings)
}

func TestDecode_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `{{`},
		{"missing messages", `{"timestamp":"2026-01-01T00:00:00Z"}`},
		{"messages not array", `{"messages":{}}`},
		{"unknown role", `{"messages":[{"role":"tool","content":"x"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.data))
			require.ErrorIs(t, err, ErrInvalidHistory)
		})
	}
}

func TestDecode_RecomputesWithoutTotal(t *testing.T) {
	h, err := Decode([]byte(`{"messages":[{"role":"user","content":"Hello"},{"role":"assistant","content":"Hi there"}]}`))
	require.NoError(t, err)

	s := newTestStore()
	require.NoError(t, s.Deserialize(h))
	assert.Equal(t, 4, s.Total())
}

func TestDecode_RecomputesZeroTotal(t *testing.T) {
	h, err := Decode([]byte(`{"messages":[{"role":"user","content":"Hello"},{"role":"assistant","content":"Hi there"}],"totalTokens":0}`))
	require.NoError(t, err)

	s := newTestStore()
	require.NoError(t, s.Deserialize(h))
	assert.Equal(t, 4, s.Total())
}
