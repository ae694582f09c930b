// ABOUTME: Entry point for coven-console, the operator console for a coven gateway
// ABOUTME: Watches the agent fleet and runs operator mutations, approvals and chat sends

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
)

// Version is set by goreleaser at build time.
var version = "dev"

type command struct {
	name    string
	args    string
	summary string
	run     func(ctx context.Context, args []string) error
}

func commands() []command {
	return []command{
		{"watch", "", "Stream fleet changes, transcripts and notices", runWatch},
		{"agents", "", "List agents, pending approvals and pending setups", runAgents},
		{"create", "NAME", "Create an agent with a guided setup", runCreate},
		{"rename", "AGENT NAME", "Rename an agent", runRename},
		{"delete", "AGENT", "Delete an agent", runDelete},
		{"approve", "APPROVAL", "Resolve an exec approval", runApprove},
		{"retry-setup", "AGENT", "Apply an agent's pending setup now", runRetrySetup},
		{"send", "AGENT MESSAGE", "Send a chat message to an agent", runSend},
	}
}

func usage() {
	fmt.Println("Usage: coven-console <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	for _, c := range commands() {
		fmt.Printf("  %-28s %s\n", c.name+" "+c.args, c.summary)
	}
	fmt.Println()
	fmt.Println("Every command accepts --config PATH (default $COVEN_CONSOLE_CONFIG or ~/.config/coven/console.yaml).")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	name := os.Args[1]
	switch name {
	case "help", "-h", "--help":
		usage()
		return
	case "version", "--version":
		fmt.Println(version)
		return
	}

	for _, c := range commands() {
		if c.name != name {
			continue
		}
		err := c.run(ctx, os.Args[2:])
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	fmt.Fprintf(os.Stderr, "Unknown command: %s\n", name)
	os.Exit(1)
}

// newFlagSet returns a flag set for a subcommand with the shared --config flag.
func newFlagSet(name, args string, configPath *string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.StringVarP(configPath, "config", "c", "", "config file path")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: coven-console %s [flags] %s\n\nFlags:\n", name, args)
		fs.PrintDefaults()
	}
	return fs
}

// parseArgs parses args and checks the positional argument count.
func parseArgs(fs *pflag.FlagSet, args []string, want int) ([]string, error) {
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	rest := fs.Args()
	if len(rest) < want {
		fs.Usage()
		return nil, fmt.Errorf("%s: expected %d argument(s), got %d", fs.Name(), want, len(rest))
	}
	return rest, nil
}
