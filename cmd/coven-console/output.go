// ABOUTME: Terminal output for the console CLI: agent rows, transcript entries, notices.
// ABOUTME: Assistant markdown is flattened to plain text before printing.

package main

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-console/internal/approvals"
	"github.com/2389/coven-console/internal/console"
	"github.com/2389/coven-console/internal/fleet"
	"github.com/2389/coven-console/internal/render"
	"github.com/2389/coven-console/internal/setup"
	"github.com/2389/coven-console/internal/transcript"
)

// Sprint helpers for text that may contain % verbs.
var (
	dim     = color.New(color.FgHiBlack).SprintFunc()
	green   = color.New(color.FgGreen).SprintFunc()
	yellow  = color.New(color.FgYellow).SprintFunc()
	red     = color.New(color.FgRed).SprintFunc()
	magenta = color.New(color.FgMagenta).SprintFunc()
)

type printer struct {
	mu sync.Mutex
	w  io.Writer
}

func newPrinter(w io.Writer) *printer {
	return &printer{w: w}
}

func (p *printer) println(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, s)
}

func (p *printer) notice(n console.Notice) {
	p.println(formatNotice(n))
}

func statusColor(s fleet.Status) *color.Color {
	switch s {
	case fleet.StatusRunning:
		return color.New(color.FgGreen)
	case fleet.StatusError:
		return color.New(color.FgRed)
	default:
		return color.New(color.FgHiBlack)
	}
}

func formatAgentRow(rec fleet.AgentRecord, selected bool) string {
	marker := "  "
	if selected {
		marker = color.CyanString("▶ ")
	}
	line := fmt.Sprintf("%s%-16s %-24s %s", marker, rec.AgentID, rec.Name, statusColor(rec.Status).Sprint(rec.Status))
	if rec.RunID != "" {
		line += dim(" run=" + rec.RunID)
	}
	if rec.PausedRunID != "" {
		line += color.YellowString(" [awaiting approval]")
	}
	return line
}

func formatNotice(n console.Notice) string {
	prefix := color.CyanString("•")
	if n.Level == console.LevelError {
		prefix = color.New(color.FgRed, color.Bold).Sprint("✗")
	}
	if n.AgentID != "" {
		return fmt.Sprintf("%s %s %s", prefix, dim("["+n.AgentID+"]"), n.Message)
	}
	return prefix + " " + n.Message
}

// formatEntry renders one transcript entry as display lines prefixed with
// the agent id.
func formatEntry(agentID string, e transcript.Entry) []string {
	tag := dim(agentID + " │ ")

	var body []string
	switch e.Kind {
	case transcript.KindAssistant:
		body = render.Lines(e.Text)
	case transcript.KindUser:
		body = []string{green(e.Text)}
	case transcript.KindError:
		body = []string{red(e.Text)}
	case transcript.KindThinking:
		body = []string{magenta(e.Text)}
	default:
		body = strings.Split(e.Text, "\n")
	}
	if len(body) > 0 && !e.Confirmed && e.Source == transcript.SourceLocalSend {
		body[len(body)-1] += color.HiBlackString(" (sending)")
	}

	out := make([]string, 0, len(body))
	for _, line := range body {
		out = append(out, tag+line)
	}
	return out
}

func formatApproval(a approvals.Approval, now time.Time) string {
	owner := a.AgentID
	if owner == "" {
		owner = "unclaimed"
	}
	line := fmt.Sprintf("%s %s %s", yellow(a.ID), dim("["+owner+"]"), a.Command)
	if a.ExpiresAtMs > 0 {
		left := time.UnixMilli(a.ExpiresAtMs).Sub(now).Round(time.Second)
		if left > 0 {
			line += dim(" expires in " + left.String())
		}
	}
	if a.Error != "" {
		line += red(" (" + a.Error + ")")
	}
	return line
}

func formatPendingSetup(p setup.Pending) string {
	line := fmt.Sprintf("%s %s attempts=%d", yellow(p.AgentID), p.AgentName, p.Attempts)
	if p.LastError != "" {
		line += dim(" last_error=" + p.LastError)
	}
	return line
}

// transcriptTracker remembers which entries were printed so a watch only
// shows what is new. Entries without an id are tracked by sequence.
type transcriptTracker struct {
	seen   map[string]map[string]bool
	status map[string]fleet.Status
	epoch  map[string]int
}

func newTranscriptTracker() *transcriptTracker {
	return &transcriptTracker{
		seen:   make(map[string]map[string]bool),
		status: make(map[string]fleet.Status),
		epoch:  make(map[string]int),
	}
}

// update returns the lines to print for rec's latest state. Optimistic
// entries are skipped until confirmed so each message prints once.
func (t *transcriptTracker) update(rec fleet.AgentRecord) []string {
	var out []string
	if prev, ok := t.status[rec.AgentID]; !ok || prev != rec.Status {
		t.status[rec.AgentID] = rec.Status
		if ok {
			out = append(out, formatAgentRow(rec, false))
		}
	}

	if epoch, ok := t.epoch[rec.AgentID]; ok && epoch != rec.SessionEpoch {
		delete(t.seen, rec.AgentID)
	}
	t.epoch[rec.AgentID] = rec.SessionEpoch

	seen := t.seen[rec.AgentID]
	if seen == nil {
		seen = make(map[string]bool)
		t.seen[rec.AgentID] = seen
	}
	for _, e := range rec.TranscriptEntries {
		key := e.EntryID
		if key == "" {
			key = fmt.Sprintf("seq:%d", e.SequenceKey)
		}
		if seen[key] || (!e.Confirmed && e.Source == transcript.SourceLocalSend) {
			continue
		}
		seen[key] = true
		out = append(out, formatEntry(rec.AgentID, e)...)
	}
	return out
}
