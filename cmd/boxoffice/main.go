// Command boxoffice is the ticketing client: it signs in through the
// identity provider and runs queries and commands against the ledger.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"boxoffice.org/internal/config"
	"boxoffice.org/internal/obs"
)

var version = "0.1.0"

const (
	exitOK      = 0
	exitFailed  = 1
	exitUsage   = 2
	programName = "boxoffice"
)

// errUsage marks argument errors; the command's usage is printed with it.
var errUsage = errors.New("usage")

type command struct {
	usage   string
	summary string
	run     func(ctx context.Context, a *app, args []string) error
}

var commands = map[string]command{
	"login":        {"login", "sign in through the identity provider", cmdLogin},
	"logout":       {"logout", "end the session", cmdLogout},
	"whoami":       {"whoami", "show the session state", cmdWhoami},
	"events":       {"events [--all]", "list active (or all) events", cmdEvents},
	"event":        {"event <event-id>", "show one event", cmdEvent},
	"stats":        {"stats <event-id>", "show sales statistics of an event", cmdStats},
	"create-event": {"create-event --name N --venue V --date D --tickets T --price P --sale-start S --sale-end E", "create an event", cmdCreateEvent},
	"buy":          {"buy <event-id> [-n quantity]", "purchase tickets", cmdBuy},
	"tickets":      {"tickets", "list your tickets", cmdTickets},
	"purchases":    {"purchases", "list your purchases", cmdPurchases},
	"profile":      {"profile", "show your profile", cmdProfile},
	"verify":       {"verify <ticket-id> <code>", "check a ticket at the door", cmdVerify},
	"use":          {"use <ticket-id> <code>", "mark a ticket as used (organizer)", cmdUse},
	"deactivate":   {"deactivate <event-id>", "stop sales of an event (organizer)", cmdDeactivate},
}

func main() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet(programName, pflag.ContinueOnError)
	fs.SetInterspersed(false)
	fs.SetOutput(stderr)
	loader := config.Register(fs)
	askPassphrase := fs.Bool("ask-passphrase", false, "prompt for the session passphrase")
	verbose := fs.BoolP("verbose", "v", false, "write structured logs to stderr")
	fs.Usage = func() { usage(stderr, fs) }

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}
	if fs.NArg() == 0 {
		usage(stderr, fs)
		return exitUsage
	}
	name, rest := fs.Arg(0), fs.Args()[1:]
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(stderr, "%s: unknown command %q\n", programName, name)
		usage(stderr, fs)
		return exitUsage
	}

	if !*verbose {
		obs.Logger().SetOutput(io.Discard)
	} else {
		obs.Logger().SetOutput(stderr)
	}

	cfg, err := loader.Load(nil)
	if err != nil {
		fmt.Fprintf(stderr, "%s: config: %v\n", programName, err)
		return exitUsage
	}
	if *askPassphrase {
		p, err := readPassphrase(stderr)
		if err != nil {
			fmt.Fprintf(stderr, "%s: %v\n", programName, err)
			return exitUsage
		}
		cfg.SessionPassphrase = p
	}

	a, err := newApp(ctx, cfg, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", programName, err)
		return exitFailed
	}
	defer a.Close()

	if err := cmd.run(ctx, a, rest); err != nil {
		switch {
		case errors.Is(err, pflag.ErrHelp):
			return exitOK
		case errors.Is(err, errUsage):
			fmt.Fprintf(stderr, "usage: %s %s\n", programName, cmd.usage)
			return exitUsage
		case a.notified(err):
		default:
			fmt.Fprintf(stderr, "%s: %v\n", programName, err)
		}
		return exitFailed
	}
	return exitOK
}

func usage(w io.Writer, fs *pflag.FlagSet) {
	fmt.Fprintf(w, "usage: %s [flags] <command> [args]\n\ncommands:\n", programName)
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-14s %s\n", name, commands[name].summary)
	}
	fmt.Fprintf(w, "\nflags:\n%s", strings.TrimRight(fs.FlagUsages(), "\n")+"\n")
}
