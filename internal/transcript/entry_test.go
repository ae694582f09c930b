// ABOUTME: Tests for transcript reconciliation.
// ABOUTME: Covers append fallback, in-place replacement, confirmed-wins ordering, and dedupe passes.

package transcript

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func optimistic(id, text string, seq int) Entry {
	return Entry{EntryID: id, Source: SourceLocalSend, SequenceKey: seq, Role: RoleUser, Kind: KindUser, Text: text}
}

func canonical(id, text string, seq int) Entry {
	return Entry{EntryID: id, Source: SourceHistory, SequenceKey: seq, Role: RoleUser, Kind: KindUser, Confirmed: true, Text: text}
}

func TestUpsert_AppendsEntriesWithoutID(t *testing.T) {
	entries := []Entry{NewEntry("first", nil, 0)}
	out := Upsert(entries, NewEntry("first", nil, 1))

	require.Len(t, out, 2)
	assert.Equal(t, []string{"first", "first"}, Lines(out))
	assert.Len(t, entries, 1, "input must not be modified")
}

func TestUpsert_ReplacesInPlace(t *testing.T) {
	entries := []Entry{
		NewEntry("intro", nil, 0),
		optimistic("msg-1", "> hello", 1),
		NewEntry("tail", nil, 2),
	}

	out := Upsert(entries, canonical("msg-1", "> hello!", 7))

	require.Len(t, out, 3)
	assert.Equal(t, []string{"intro", "> hello!", "tail"}, Lines(out))
	assert.True(t, out[1].Confirmed)
	assert.Equal(t, 1, out[1].SequenceKey, "replacement keeps list position")
}

func TestUpsert_UnconfirmedNeverOverwritesConfirmed(t *testing.T) {
	entries := []Entry{canonical("msg-1", "confirmed", 0)}

	out := Upsert(entries, optimistic("msg-1", "stale echo", 1))

	require.Len(t, out, 1)
	assert.Equal(t, "confirmed", out[0].Text)
	assert.True(t, out[0].Confirmed)
}

func TestUpsert_LatestUnconfirmedWins(t *testing.T) {
	entries := []Entry{optimistic("msg-1", "draft", 0)}

	out := Upsert(entries, optimistic("msg-1", "draft v2", 1))

	require.Len(t, out, 1)
	assert.Equal(t, "draft v2", out[0].Text)
}

func TestUpsert_ConfirmedWinsInEitherOrder(t *testing.T) {
	opt := optimistic("msg-1", "optimistic", 0)
	conf := canonical("msg-1", "canonical", 1)

	forward := Upsert(Upsert(nil, opt), conf)
	reverse := Upsert(Upsert(nil, conf), opt)

	require.Len(t, forward, 1)
	require.Len(t, reverse, 1)
	assert.Equal(t, forward[0].Text, reverse[0].Text)
	assert.Equal(t, forward[0].Confirmed, reverse[0].Confirmed)
	assert.Equal(t, "canonical", forward[0].Text)
}

func TestUpsert_CollapsesExistingDuplicatesBeforeApplying(t *testing.T) {
	// Two candidates for one id inserted back to back by a legacy path.
	entries := []Entry{
		optimistic("run-1:assistant", "partial", 0),
		canonical("run-1:assistant", "final", 1),
		NewEntry("unrelated", nil, 2),
	}

	out := Upsert(entries, NewEntry("next", nil, 3))

	require.Len(t, out, 3)
	assert.Equal(t, []string{"final", "unrelated", "next"}, Lines(out))
}

func TestDedupe_KeepsFirstPosition(t *testing.T) {
	entries := []Entry{
		canonical("a", "a1", 0),
		NewEntry("legacy", nil, 1),
		optimistic("a", "a2", 2),
		canonical("b", "b1", 3),
	}

	out := Dedupe(entries)

	require.Len(t, out, 3)
	assert.Equal(t, []string{"a1", "legacy", "b1"}, Lines(out))
}

func confirmed(id, text string) Entry {
	return Entry{EntryID: id, Source: SourceHistory, Confirmed: true, Text: text}
}

func TestMergeHistory_KeepsHistoryOrder(t *testing.T) {
	history := []Entry{
		confirmed("u1", "> build it"),
		confirmed("m2", "Running the tests first."),
		confirmed("m3", "[tool] ok"),
		confirmed("run:r1:assistant", "All green, done."),
	}

	t.Run("empty transcript", func(t *testing.T) {
		out := MergeHistory(nil, history)
		assert.Equal(t, []string{"> build it", "Running the tests first.", "[tool] ok", "All green, done."}, Lines(out))
	})

	t.Run("streamed final already shown", func(t *testing.T) {
		entries := []Entry{
			optimistic("u1", "> build it", 0),
			{EntryID: "run:r1:assistant", Source: SourceRuntimeChat, SequenceKey: 1, Confirmed: true, Text: "All green, done."},
		}
		out := MergeHistory(entries, history)

		assert.Equal(t, []string{"> build it", "Running the tests first.", "[tool] ok", "All green, done."}, Lines(out))
		assert.True(t, out[0].Confirmed)
		assert.Equal(t, 0, out[0].SequenceKey)
		assert.Equal(t, 1, out[3].SequenceKey, "replaced entries keep their key")
		assert.Equal(t, 2, out[1].SequenceKey)
		assert.Equal(t, 3, out[2].SequenceKey)
	})

	t.Run("earlier replay of a run in progress", func(t *testing.T) {
		entries := MergeHistory(nil, []Entry{
			confirmed("u1", "> build it"),
			confirmed("run:r1:assistant", "Running the tests first."),
		})
		out := MergeHistory(entries, history)
		assert.Equal(t, []string{"> build it", "Running the tests first.", "[tool] ok", "All green, done."}, Lines(out))
	})
}

func TestMergeHistory_LeavesUnnamedEntriesInPlace(t *testing.T) {
	entries := []Entry{
		confirmed("u1", "> hi"),
		{Source: SourceLegacy, Text: "booting"},
		{EntryID: "system:r1:error", Source: SourceRuntimeChat, Confirmed: true, Text: "[error] overloaded"},
		optimistic("u2", "> still there?", 5),
	}
	out := MergeHistory(entries, []Entry{confirmed("u1", "> hi"), confirmed("m1", "hello")})

	assert.Equal(t, []string{"> hi", "booting", "[error] overloaded", "> still there?", "hello"}, Lines(out))

	again := MergeHistory(out, []Entry{confirmed("u1", "> hi"), confirmed("m1", "hello")})
	assert.Equal(t, Lines(out), Lines(again), "replays converge")
}

func TestNextSequence(t *testing.T) {
	assert.Equal(t, 0, NextSequence(nil))
	assert.Equal(t, 8, NextSequence([]Entry{{SequenceKey: 3}, {SequenceKey: 7}, {SequenceKey: 1}}))
}

func TestFormatLine(t *testing.T) {
	tests := []struct {
		role Role
		kind Kind
		want string
	}{
		{RoleUser, KindUser, "> hi"},
		{RoleAssistant, KindAssistant, "hi"},
		{RoleAssistant, KindThinking, "[thinking] hi"},
		{RoleTool, KindTool, "[tool] hi"},
		{RoleSystem, KindError, "[error] hi"},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, FormatLine(tt.role, tt.kind, "hi"))
		})
	}
}
