package query

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cvflow/cvflow/types"
)

func historyWithRanking(entities ...string) []types.ConversationTurn {
	return []types.ConversationTurn{
		{Role: types.RoleUser, Content: "rank the candidates", CreatedAt: time.Now()},
		{
			Role:               types.RoleAssistant,
			Content:            "1. ... 2. ... 3. ...",
			ReferencedEntities: entities,
			CreatedAt:          time.Now(),
		},
	}
}

func TestResolver_OrdinalReference(t *testing.T) {
	r := NewContextResolver(nil)
	history := historyWithRanking("Alice Wang", "Bob Chen", "Carol Liu")

	res := r.Resolve("tell me more about the second one", history)
	require.True(t, res.Changed)
	assert.Equal(t, "tell me more about Bob Chen", res.Resolved)
	assert.Equal(t, []string{"Bob Chen"}, res.Entities)
}

func TestResolver_ChineseOrdinal(t *testing.T) {
	r := NewContextResolver(nil)
	history := historyWithRanking("Alice Wang", "Bob Chen", "Carol Liu")

	res := r.Resolve("第三个的风险因素是什么", history)
	require.True(t, res.Changed)
	assert.Contains(t, res.Resolved, "Carol Liu")
	assert.Equal(t, []string{"Carol Liu"}, res.Entities)
}

func TestResolver_TopAndLast(t *testing.T) {
	r := NewContextResolver(nil)
	history := historyWithRanking("Alice Wang", "Bob Chen", "Carol Liu")

	res := r.Resolve("what are the risks for the top candidate?", history)
	require.True(t, res.Changed)
	assert.Contains(t, res.Resolved, "Alice Wang")

	res = r.Resolve("and the last one?", history)
	require.True(t, res.Changed)
	assert.Contains(t, res.Resolved, "Carol Liu")
}

func TestResolver_Demonstrative(t *testing.T) {
	r := NewContextResolver(nil)
	history := historyWithRanking("Alice Wang", "Bob Chen", "Carol Liu")

	res := r.Resolve("compare those two in detail", history)
	require.True(t, res.Changed)
	assert.Contains(t, res.Resolved, "Alice Wang, Bob Chen")
	assert.Equal(t, []string{"Alice Wang", "Bob Chen"}, res.Entities)
}

func TestResolver_PronounOnlyWithSingleFocus(t *testing.T) {
	r := NewContextResolver(nil)

	// 上轮只聚焦一人：代词可替换
	single := historyWithRanking("Alice Wang")
	res := r.Resolve("how many years of experience does she have?", single)
	require.True(t, res.Changed)
	assert.Contains(t, res.Resolved, "Alice Wang")

	// 上轮多人：代词有歧义，不替换
	multi := historyWithRanking("Alice Wang", "Bob Chen")
	res = r.Resolve("how many years of experience does she have?", multi)
	assert.False(t, res.Changed)
}

func TestResolver_NoHistoryNoChange(t *testing.T) {
	r := NewContextResolver(nil)

	res := r.Resolve("tell me about the second one", nil)
	assert.False(t, res.Changed)
	assert.Equal(t, "tell me about the second one", res.Resolved)
}

func TestResolver_OrdinalBeyondRangeLeftAlone(t *testing.T) {
	r := NewContextResolver(nil)
	history := historyWithRanking("Alice Wang")

	res := r.Resolve("tell me about the fourth one", history)
	assert.False(t, res.Changed)
}

// 历史中最近一轮带实体引用的助手响应是指代的锚点，更早的轮次被忽略。
func TestResolver_UsesMostRecentReferencedEntities(t *testing.T) {
	r := NewContextResolver(nil)
	history := append(
		historyWithRanking("Old One", "Old Two"),
		historyWithRanking("Alice Wang", "Bob Chen")...,
	)

	res := r.Resolve("show the first one", history)
	require.True(t, res.Changed)
	assert.Contains(t, res.Resolved, "Alice Wang")
}
