package greedy

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatbatch/internal/prompt"
	"chatbatch/pkg/contract"
)

func payload(n int, text string) []contract.SubItem {
	out := make([]contract.SubItem, n)
	for i := range out {
		out[i] = contract.SubItem{ID: contract.SubItemID(fmt.Sprintf("m%03d", i+1)), Text: text}
	}
	return out
}

func sizes(cs []contract.Chunk) []int {
	out := make([]int, len(cs))
	for i, c := range cs {
		out[i] = len(c.Items)
	}
	return out
}

// UT-PLN-01: 120 条、每块最多 50 条 → (50, 50, 20)
func TestPlan120By50(t *testing.T) {
	p := New(nil)
	items := payload(120, "abcd")
	est := prompt.MakeEstimator(4)
	chunks, err := p.Plan(context.Background(), "u", items, est, contract.ChunkLimit{MaxTokens: 50, MaxItems: 0})
	require.NoError(t, err)
	assert.Equal(t, []int{50, 50, 20}, sizes(chunks), "按 token 预算切分")
	require.NoError(t, contract.ValidatePlan(items, chunks))

	chunks, err = p.Plan(context.Background(), "u", items, est, contract.ChunkLimit{MaxTokens: 1 << 20, MaxItems: 50})
	require.NoError(t, err)
	assert.Equal(t, []int{50, 50, 20}, sizes(chunks), "按条目数切分")
	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
		assert.Equal(t, contract.UnitID("u"), c.UnitID)
	}
}

// UT-PLN-02: 预算不变量，单条超预算独立成块且不丢弃
func TestPlanBudgetInvariantAndOversized(t *testing.T) {
	p := New(&Options{ExtraTokensPerItem: 2})
	est := prompt.MakeEstimator(1)
	items := []contract.SubItem{
		{ID: "a", Text: "xxx"},
		{ID: "b", Text: "xxxx"},
		{ID: "c", Text: strings.Repeat("y", 40)},
		{ID: "d", Text: "x"},
		{ID: "e", Text: "xxxxxx"},
		{ID: "f", Text: "xx"},
	}
	const budget = 12
	chunks, err := p.Plan(context.Background(), "u", items, est, contract.ChunkLimit{MaxTokens: budget})
	require.NoError(t, err)
	require.NoError(t, contract.ValidatePlan(items, chunks))
	oversized := 0
	for _, c := range chunks {
		if c.Oversized {
			oversized++
			assert.Len(t, c.Items, 1)
			assert.Greater(t, c.EstTokens, budget)
			continue
		}
		assert.LessOrEqual(t, c.EstTokens, budget)
		sum := 0
		for _, it := range c.Items {
			sum += p.ItemTokens(est, it)
		}
		assert.Equal(t, sum, c.EstTokens)
	}
	assert.Equal(t, 1, oversized)
	// a(5)+b(6)=11 | c 超预算 | d(3)+e(8)=11 | f(4)
	assert.Equal(t, []int{2, 1, 2, 1}, sizes(chunks))
}

func TestPlanErrors(t *testing.T) {
	p := New(nil)
	est := prompt.MakeEstimator(4)
	_, err := p.Plan(context.Background(), "u", payload(1, "x"), est, contract.ChunkLimit{})
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
	_, err = p.Plan(context.Background(), "u", payload(1, "x"), nil, contract.ChunkLimit{MaxTokens: 1})
	assert.ErrorIs(t, err, contract.ErrInvalidInput)

	dup := []contract.SubItem{{ID: "1"}, {ID: "1"}}
	_, err = p.Plan(context.Background(), "u", dup, est, contract.ChunkLimit{MaxTokens: 10})
	assert.ErrorIs(t, err, contract.ErrInvalidInput)

	chunks, err := p.Plan(context.Background(), "u", nil, est, contract.ChunkLimit{MaxTokens: 10})
	require.NoError(t, err)
	assert.Empty(t, chunks)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Plan(ctx, "u", payload(3, "x"), est, contract.ChunkLimit{MaxTokens: 10})
	assert.ErrorIs(t, err, context.Canceled)
}

func BenchmarkPlan(b *testing.B) {
	p := New(nil)
	items := payload(5000, strings.Repeat("lorem ipsum ", 20))
	est := prompt.MakeEstimator(4)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = p.Plan(context.Background(), "u", items, est, contract.ChunkLimit{MaxTokens: 4000, MaxItems: 50})
	}
}
