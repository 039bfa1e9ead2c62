package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	logger "github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"tradecore/cmd/engine"
	"tradecore/cmd/keys"
	"tradecore/src/exchange"
)

var Version string

func SetupLogger() {
	levelStr := strings.ToLower(os.Getenv("LOG_LEVEL"))

	level, err := logger.ParseLevel(levelStr)
	if err != nil {
		level = logger.InfoLevel
	}

	logger.SetLevel(level)
	logger.SetFormatter(&logger.TextFormatter{
		FullTimestamp: true,
	})
}

func main() {
	SetupLogger()

	app := cli.NewApp()
	app.Name = "tradecore"
	app.Usage = "The tradecore command line interface"
	app.Version = Version

	app.Commands = []cli.Command{
		engineCMD,
		keysCMD,
	}

	if err := app.Run(os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// exitCode maps the platform error taxonomy onto process exit codes:
// 1 config error, 2 fatal dependency, 3 cancelled.
func exitCode(err error) int {
	switch exchange.KindOf(err) {
	case exchange.KindCancelled:
		return 3
	case exchange.KindTransient, exchange.KindCircuitOpen:
		return 2
	default:
		return 1
	}
}

func fail(err error) error {
	return cli.NewExitError(err.Error(), exitCode(err))
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

var (
	engineCMD = cli.Command{
		Name:        "engine",
		Usage:       "run the live trading engine",
		Action:      engineAction,
		ArgsUsage:   "",
		Flags:       []cli.Flag{},
		Description: `Run the supervisor: market data, strategies, dispatcher and key sweepers.`,
	}
	keysCMD = cli.Command{
		Name:  "keys",
		Usage: "administer venue API keys",
		Subcommands: []cli.Command{
			{
				Name:   "create",
				Usage:  "mint a key for a (user, venue)",
				Action: keysCreateAction,
				Flags: []cli.Flag{
					cli.StringFlag{Name: "user", Usage: "owning user id"},
					cli.StringFlag{Name: "venue", Usage: "venue name"},
					cli.IntFlag{Name: "expiry-days", Usage: "override the default expiry"},
					cli.BoolFlag{Name: "require-approval", Usage: "create the key pending, to be activated with approve"},
				},
			},
			{
				Name:   "approve",
				Usage:  "activate a pending key",
				Action: keysApproveAction,
				Flags:  []cli.Flag{cli.StringFlag{Name: "key-id"}},
			},
			{
				Name:   "rotate",
				Usage:  "replace a key, keeping the old one valid through a grace window",
				Action: keysRotateAction,
				Flags: []cli.Flag{
					cli.StringFlag{Name: "key-id"},
					cli.IntFlag{Name: "grace-hours", Usage: "override the default grace window"},
				},
			},
			{
				Name:   "revoke",
				Usage:  "permanently disable a key",
				Action: keysRevokeAction,
				Flags:  []cli.Flag{cli.StringFlag{Name: "key-id"}},
			},
			{
				Name:   "mark-compromised",
				Usage:  "flag a leaked key; terminal and audited as critical",
				Action: keysCompromisedAction,
				Flags: []cli.Flag{
					cli.StringFlag{Name: "key-id"},
					cli.StringFlag{Name: "details", Usage: "what happened, recorded in the audit trail"},
				},
			},
			{
				Name:   "expiring",
				Usage:  "list keys expiring within a window",
				Action: keysExpiringAction,
				Flags:  []cli.Flag{cli.IntFlag{Name: "days", Value: 14}},
			},
		},
	}
)

func engineAction(_ *cli.Context) error {
	logger.Info("Starting engine CMD")

	ctx, stop := signalContext()
	defer stop()

	eng := &engine.Engine{Log: logger.WithField("cmd", "engine")}
	if err := eng.Start(ctx); err != nil {
		logger.WithError(err).Error("Starting cmd")
		return fail(err)
	}
	return nil
}

func keysCmd() *keys.Keys {
	return &keys.Keys{Log: logger.WithField("cmd", "keys")}
}

func keysCreateAction(c *cli.Context) error {
	ctx, stop := signalContext()
	defer stop()

	if err := keysCmd().Create(ctx, c.String("user"), c.String("venue"), c.Int("expiry-days"), c.Bool("require-approval")); err != nil {
		return fail(err)
	}
	return nil
}

func keysApproveAction(c *cli.Context) error {
	ctx, stop := signalContext()
	defer stop()

	if err := keysCmd().Approve(ctx, c.String("key-id")); err != nil {
		return fail(err)
	}
	return nil
}

func keysRotateAction(c *cli.Context) error {
	ctx, stop := signalContext()
	defer stop()

	if err := keysCmd().Rotate(ctx, c.String("key-id"), c.Int("grace-hours")); err != nil {
		return fail(err)
	}
	return nil
}

func keysRevokeAction(c *cli.Context) error {
	ctx, stop := signalContext()
	defer stop()

	if err := keysCmd().Revoke(ctx, c.String("key-id")); err != nil {
		return fail(err)
	}
	return nil
}

func keysCompromisedAction(c *cli.Context) error {
	ctx, stop := signalContext()
	defer stop()

	if err := keysCmd().MarkCompromised(ctx, c.String("key-id"), c.String("details")); err != nil {
		return fail(err)
	}
	return nil
}

func keysExpiringAction(c *cli.Context) error {
	ctx, stop := signalContext()
	defer stop()

	if err := keysCmd().ListExpiring(ctx, c.Int("days")); err != nil {
		return fail(err)
	}
	return nil
}
