// ABOUTME: Tests for message canonicalization and transcript deduplication
// ABOUTME: Exercises role normalization and the (role, content, second) dedup key

package conversation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-sync/internal/wire"
)

func TestFromWire_RoleCanonicalization(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Role
	}{
		{"lowercase user", "user", RoleUser},
		{"uppercase", "ASSISTANT", RoleAssistant},
		{"mixed case", "Tool", RoleTool},
		{"padded", "  system ", RoleSystem},
		{"thinking", "thinking", RoleThinking},
		{"unknown collapses to assistant", "moderator", RoleAssistant},
		{"empty collapses to assistant", "", RoleAssistant},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FromWire(wire.Message{Role: tt.in, Content: "x"})
			assert.Equal(t, tt.want, got.Role)
		})
	}
}

func TestFromWire_CarriesToolCalls(t *testing.T) {
	got := FromWire(wire.Message{
		Role: "assistant",
		ToolCalls: []wire.ToolCall{
			{ID: "c1", Name: "shell", Arguments: `{"cmd":"ls"}`},
		},
		ToolCallID: "c0",
	})
	require.Len(t, got.ToolCalls, 1)
	assert.Equal(t, "shell", got.ToolCalls[0].Name)
	assert.Equal(t, "c0", got.ToolCallID)
}

func TestDedupe_SameSecondCollapses(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	// Same role and content within the same second: one survives, and it is
	// the first occurrence.
	msgs := []Message{
		{Role: RoleUser, Content: "hi", Timestamp: base.Add(100 * time.Millisecond)},
		{Role: RoleUser, Content: "hi", Timestamp: base.Add(900 * time.Millisecond)},
	}
	out := Dedupe(msgs)
	require.Len(t, out, 1)
	assert.Equal(t, base.Add(100*time.Millisecond), out[0].Timestamp)
}

func TestDedupe_DifferentSecondsKept(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	msgs := []Message{
		{Role: RoleUser, Content: "hi", Timestamp: base},
		{Role: RoleUser, Content: "hi", Timestamp: base.Add(2 * time.Second)},
	}
	assert.Len(t, Dedupe(msgs), 2)
}

func TestDedupe_RoleAndContentDistinguish(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	msgs := []Message{
		{Role: RoleUser, Content: "hi", Timestamp: base},
		{Role: RoleAssistant, Content: "hi", Timestamp: base},
		{Role: RoleUser, Content: "hello", Timestamp: base},
	}
	assert.Len(t, Dedupe(msgs), 3)
}

func TestDedupe_PreservesOrder(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	msgs := []Message{
		{Role: RoleUser, Content: "a", Timestamp: base},
		{Role: RoleAssistant, Content: "b", Timestamp: base.Add(time.Second)},
		{Role: RoleUser, Content: "a", Timestamp: base.Add(200 * time.Millisecond)}, // dup of first
		{Role: RoleUser, Content: "c", Timestamp: base.Add(2 * time.Second)},
	}
	out := Dedupe(msgs)
	require.Len(t, out, 3)
	assert.Equal(t, "a", out[0].Content)
	assert.Equal(t, "b", out[1].Content)
	assert.Equal(t, "c", out[2].Content)
}

func TestDedupe_ShortInputsPassThrough(t *testing.T) {
	assert.Empty(t, Dedupe(nil))
	one := []Message{{Role: RoleUser, Content: "x"}}
	assert.Len(t, Dedupe(one), 1)
}
