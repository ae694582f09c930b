// ABOUTME: Subcommand implementations for coven-console.
// ABOUTME: Each opens a session, performs one operation through the runtime, and reports the outcome.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-console/internal/approvals"
	"github.com/2389/coven-console/internal/fleet"
	"github.com/2389/coven-console/internal/setup"
	"github.com/2389/coven-console/internal/transcript"
)

func runWatch(ctx context.Context, args []string) error {
	var configPath, agentID string
	fs := newFlagSet("watch", "", &configPath)
	fs.StringVarP(&agentID, "agent", "a", "", "only show this agent")
	if _, err := parseArgs(fs, args, 0); err != nil {
		return err
	}

	s, err := openSession(ctx, configPath)
	if err != nil {
		return err
	}
	defer s.close()

	if s.metrics != nil {
		srv := startMetricsServer(s)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	out := newPrinter(os.Stdout)
	color.New(color.FgGreen).Print("▶ ")
	fmt.Printf("Watching %s\n\n", s.cfg.Gateway.URL)

	tracker := newTranscriptTracker()
	state := s.runtime.Fleet().Snapshot()
	for _, rec := range state.Agents {
		if agentID != "" && rec.AgentID != agentID {
			continue
		}
		out.println(formatAgentRow(rec, rec.AgentID == state.SelectedAgentID))
		tracker.update(rec)
	}
	out.println("")

	subject := fleet.AllAgents
	if agentID != "" {
		subject = agentID
	}
	updates := s.runtime.Fleet().Subscribe(ctx, subject)

	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-s.runtime.Notices():
			if agentID == "" || n.AgentID == "" || n.AgentID == agentID {
				out.notice(n)
			}
		case rec, ok := <-updates:
			if !ok {
				return nil
			}
			for _, line := range tracker.update(rec) {
				out.println(line)
			}
		}
	}
}

func startMetricsServer(s *session) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(s.cfg.Metrics.Path, s.metrics.Handler())
	srv := &http.Server{
		Addr:              s.cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		s.logger.Info("serving metrics", "addr", srv.Addr, "path", s.cfg.Metrics.Path)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server failed", "error", err)
		}
	}()
	return srv
}

func runAgents(ctx context.Context, args []string) error {
	var configPath string
	fs := newFlagSet("agents", "", &configPath)
	if _, err := parseArgs(fs, args, 0); err != nil {
		return err
	}

	s, err := openSession(ctx, configPath)
	if err != nil {
		return err
	}
	defer s.close()

	out := newPrinter(os.Stdout)
	state := s.runtime.Fleet().Snapshot()
	if len(state.Agents) == 0 {
		out.println("No agents")
	}
	for _, rec := range state.Agents {
		out.println(formatAgentRow(rec, rec.AgentID == state.SelectedAgentID))
	}

	if pending := s.runtime.Approvals(); len(pending) > 0 {
		out.println("")
		out.println(color.New(color.Bold).Sprint("Pending approvals"))
		now := time.Now()
		for _, a := range pending {
			out.println("  " + formatApproval(a, now))
		}
	}
	if setups := s.runtime.PendingSetups(); len(setups) > 0 {
		out.println("")
		out.println(color.New(color.Bold).Sprint("Pending setups"))
		for _, p := range setups {
			out.println("  " + formatPendingSetup(p))
		}
	}
	return nil
}

func runCreate(ctx context.Context, args []string) error {
	var (
		configPath string
		st         setup.Setup
		files      []string
	)
	fs := newFlagSet("create", "NAME", &configPath)
	fs.StringVar(&st.ToolProfile, "tool-profile", "", "tool profile for the agent")
	fs.StringVar(&st.Exec.Host, "exec-host", "", "exec host policy")
	fs.StringVar(&st.Exec.Security, "exec-security", "", "exec security policy")
	fs.StringVar(&st.Exec.Ask, "exec-ask", "", "exec ask mode (e.g. always)")
	fs.StringArrayVar(&files, "file", nil, "workspace file as NAME=PATH (repeatable)")
	rest, err := parseArgs(fs, args, 1)
	if err != nil {
		return err
	}
	if st.Files, err = readSetupFiles(files); err != nil {
		return err
	}

	s, err := openSession(ctx, configPath)
	if err != nil {
		return err
	}
	defer s.close()

	out := newPrinter(os.Stdout)
	res, err := s.runtime.Create(ctx, strings.Join(rest, " "), st)
	if err != nil {
		return err
	}
	if err := s.waitMutation(ctx, out); err != nil {
		return err
	}

	if res.SetupStatus == setup.StatusPending {
		out.println(color.YellowString("Created %s; setup pending (retry with: coven-console retry-setup %s)", res.AgentID, res.AgentID))
		return nil
	}
	out.println(color.GreenString("Created %s", res.AgentID))
	return nil
}

// readSetupFiles loads NAME=PATH pairs into setup files.
func readSetupFiles(specs []string) ([]setup.File, error) {
	files := make([]setup.File, 0, len(specs))
	for _, spec := range specs {
		name, path, ok := strings.Cut(spec, "=")
		if !ok || strings.TrimSpace(name) == "" || strings.TrimSpace(path) == "" {
			return nil, fmt.Errorf("invalid --file %q: want NAME=PATH", spec)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		files = append(files, setup.File{Name: strings.TrimSpace(name), Content: string(data)})
	}
	return files, nil
}

func runRename(ctx context.Context, args []string) error {
	var configPath string
	fs := newFlagSet("rename", "AGENT NAME", &configPath)
	rest, err := parseArgs(fs, args, 2)
	if err != nil {
		return err
	}

	s, err := openSession(ctx, configPath)
	if err != nil {
		return err
	}
	defer s.close()

	out := newPrinter(os.Stdout)
	if err := s.runtime.Rename(ctx, rest[0], strings.Join(rest[1:], " ")); err != nil {
		return err
	}
	if err := s.waitMutation(ctx, out); err != nil {
		return err
	}
	out.println(color.GreenString("Renamed %s", rest[0]))
	return nil
}

func runDelete(ctx context.Context, args []string) error {
	var configPath string
	fs := newFlagSet("delete", "AGENT", &configPath)
	rest, err := parseArgs(fs, args, 1)
	if err != nil {
		return err
	}

	s, err := openSession(ctx, configPath)
	if err != nil {
		return err
	}
	defer s.close()

	out := newPrinter(os.Stdout)
	if err := s.runtime.Delete(ctx, rest[0]); err != nil {
		return err
	}
	if err := s.waitMutation(ctx, out); err != nil {
		return err
	}
	out.println(color.GreenString("Deleted %s", rest[0]))
	return nil
}

func runApprove(ctx context.Context, args []string) error {
	var configPath, decision string
	fs := newFlagSet("approve", "APPROVAL", &configPath)
	fs.StringVarP(&decision, "decision", "d", string(approvals.AllowOnce), "allow-once, allow-always or deny")
	rest, err := parseArgs(fs, args, 1)
	if err != nil {
		return err
	}
	d, err := approvals.ParseDecision(decision)
	if err != nil {
		return err
	}

	s, err := openSession(ctx, configPath)
	if err != nil {
		return err
	}
	defer s.close()

	out := newPrinter(os.Stdout)
	if err := s.runtime.ResolveApproval(ctx, rest[0], d); err != nil {
		return err
	}
	s.drainNotices(out)
	out.println(color.GreenString("Resolved %s: %s", rest[0], d))
	return nil
}

func runRetrySetup(ctx context.Context, args []string) error {
	var configPath string
	fs := newFlagSet("retry-setup", "AGENT", &configPath)
	rest, err := parseArgs(fs, args, 1)
	if err != nil {
		return err
	}

	s, err := openSession(ctx, configPath)
	if err != nil {
		return err
	}
	defer s.close()

	res, err := s.runtime.RetrySetup(ctx, rest[0])
	if errors.Is(err, setup.ErrRetryBusy) {
		return fmt.Errorf("%w; the console is retrying it already", err)
	}
	if err != nil {
		return err
	}
	if res.Applied {
		newPrinter(os.Stdout).println(color.GreenString("Setup applied to %s", rest[0]))
	}
	return nil
}

func runSend(ctx context.Context, args []string) error {
	var (
		configPath string
		wait       bool
		timeout    time.Duration
	)
	fs := newFlagSet("send", "AGENT MESSAGE", &configPath)
	fs.BoolVarP(&wait, "wait", "w", false, "wait for the run to finish and print the reply")
	fs.DurationVar(&timeout, "timeout", 5*time.Minute, "how long --wait waits")
	rest, err := parseArgs(fs, args, 2)
	if err != nil {
		return err
	}
	agentID := rest[0]

	s, err := openSession(ctx, configPath)
	if err != nil {
		return err
	}
	defer s.close()

	var from int
	if rec, ok := s.runtime.Fleet().Agent(agentID); ok {
		from = transcript.NextSequence(rec.TranscriptEntries)
	}

	out := newPrinter(os.Stdout)
	runID, err := s.runtime.Send(ctx, agentID, strings.Join(rest[1:], " "))
	if err != nil {
		return err
	}
	if !wait || runID == "" {
		out.println(dim("run " + runID))
		return nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	finished := func() bool {
		rec, ok := s.runtime.Fleet().Agent(agentID)
		return !ok || rec.RunID != runID
	}
	if err := waitUntil(waitCtx, finished); err != nil {
		return fmt.Errorf("waiting for run %s: %w", runID, err)
	}

	rec, _ := s.runtime.Fleet().Agent(agentID)
	for _, e := range rec.TranscriptEntries {
		if e.SequenceKey < from || e.Kind == transcript.KindUser {
			continue
		}
		for _, line := range formatEntry(agentID, e) {
			out.println(line)
		}
	}
	return nil
}
