// ABOUTME: Transcript entry model and the confirmed-wins reconciliation rules.
// ABOUTME: Upsert/Dedupe keep one entry per EntryID regardless of delivery order.

package transcript

import "strings"

// Source tags where an entry came from.
type Source string

const (
	SourceLegacy      Source = "legacy"       // plain output line without metadata
	SourceLocalSend   Source = "local-send"   // optimistic echo of an operator message
	SourceRuntimeChat Source = "runtime-chat" // live chat event from the gateway
	SourceHistory     Source = "history"      // chat.history replay
)

// Role is the speaker of an entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Kind classifies how an entry is rendered.
type Kind string

const (
	KindMeta      Kind = "meta"
	KindUser      Kind = "user"
	KindAssistant Kind = "assistant"
	KindThinking  Kind = "thinking"
	KindTool      Kind = "tool"
	KindError     Kind = "error"
)

// Entry is one transcript line.
type Entry struct {
	EntryID     string
	Source      Source
	SequenceKey int
	RunID       string
	Role        Role
	Kind        Kind
	Confirmed   bool
	TimestampMs int64
	Text        string
}

// Meta is the transcript metadata that can accompany an output line.
type Meta struct {
	EntryID     string
	Source      Source
	RunID       string
	Role        Role
	Kind        Kind
	Confirmed   bool
	TimestampMs int64
}

// NewEntry builds an entry for line. A nil meta produces a legacy entry.
func NewEntry(line string, meta *Meta, sequenceKey int) Entry {
	if meta == nil {
		return Entry{
			Source:      SourceLegacy,
			SequenceKey: sequenceKey,
			Kind:        KindMeta,
			Text:        line,
		}
	}
	return Entry{
		EntryID:     strings.TrimSpace(meta.EntryID),
		Source:      meta.Source,
		SequenceKey: sequenceKey,
		RunID:       meta.RunID,
		Role:        meta.Role,
		Kind:        meta.Kind,
		Confirmed:   meta.Confirmed,
		TimestampMs: meta.TimestampMs,
		Text:        line,
	}
}

// Prefer picks which of two entries sharing an EntryID survives.
// incoming wins unless existing is confirmed and incoming is not.
// The survivor keeps existing's SequenceKey so list order is stable.
func Prefer(existing, incoming Entry) Entry {
	if existing.Confirmed && !incoming.Confirmed {
		return existing
	}
	incoming.SequenceKey = existing.SequenceKey
	return incoming
}

// Upsert applies next to entries and returns a new slice. entries is not modified.
func Upsert(entries []Entry, next Entry) []Entry {
	out := Dedupe(entries)

	if next.EntryID == "" {
		return append(out, next)
	}

	for i := range out {
		if out[i].EntryID == next.EntryID {
			out[i] = Prefer(out[i], next)
			return out
		}
	}
	return append(out, next)
}

// Dedupe collapses entries sharing an EntryID into one, kept at the position
// of the first occurrence. It always returns a fresh slice.
func Dedupe(entries []Entry) []Entry {
	out := make([]Entry, 0, len(entries)+1)
	index := make(map[string]int, len(entries))

	for _, e := range entries {
		if e.EntryID == "" {
			out = append(out, e)
			continue
		}
		if i, ok := index[e.EntryID]; ok {
			out[i] = Prefer(out[i], e)
			continue
		}
		index[e.EntryID] = len(out)
		out = append(out, e)
	}
	return out
}

// MergeHistory folds a history replay into entries and returns a new slice.
// History keeps its own order: each history entry lands where the first
// existing entry it replaces was, or at the end if it replaces none. Entries
// history does not name stay where they are. New entries get fresh
// SequenceKeys; replaced entries keep theirs.
func MergeHistory(entries, history []Entry) []Entry {
	current := Dedupe(entries)
	history = Dedupe(history)

	existing := make(map[string]Entry, len(current))
	for _, e := range current {
		if e.EntryID != "" {
			existing[e.EntryID] = e
		}
	}
	position := make(map[string]int, len(history))
	for i, h := range history {
		if h.EntryID != "" {
			position[h.EntryID] = i
		}
	}

	next := NextSequence(current)
	out := make([]Entry, 0, len(current)+len(history))
	emitted := 0
	emitThrough := func(last int) {
		for ; emitted <= last; emitted++ {
			h := history[emitted]
			if prev, ok := existing[h.EntryID]; ok && h.EntryID != "" {
				out = append(out, Prefer(prev, h))
				continue
			}
			h.SequenceKey = next
			next++
			out = append(out, h)
		}
	}

	for _, e := range current {
		i, named := position[e.EntryID]
		if e.EntryID == "" || !named {
			out = append(out, e)
			continue
		}
		emitThrough(i)
	}
	emitThrough(len(history) - 1)
	return out
}

// NextSequence returns a SequenceKey greater than every key in entries.
func NextSequence(entries []Entry) int {
	next := 0
	for _, e := range entries {
		if e.SequenceKey >= next {
			next = e.SequenceKey + 1
		}
	}
	return next
}

// Lines flattens entries into display lines.
func Lines(entries []Entry) []string {
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, e.Text)
	}
	return lines
}

// FormatLine renders text for a role the way the output view shows it.
func FormatLine(role Role, kind Kind, text string) string {
	switch {
	case kind == KindThinking:
		return "[thinking] " + text
	case kind == KindError:
		return "[error] " + text
	case role == RoleUser:
		return "> " + text
	case role == RoleTool:
		return "[tool] " + text
	default:
		return text
	}
}
