// Command instainr-wallet is the client side of InstaINR: it signs in through
// the wallet host, quotes and sells WLD or USDC.e for INR and keeps the local
// transaction ledger.
//
// Usage:
//
//	instainr-wallet [--config config.yaml] [--debug] <command> [flags]
//
// Commands:
//
//	connect                    sign in with the wallet host
//	disconnect                 forget the current session
//	status                     show session, balances and prices
//	quote  -token -amount ...  price a sell without submitting it
//	sell   -token -amount ...  sell tokens for an INR payout
//	history [-status S]        list ledger transactions
//	reconcile                  confirm payments left in Processing
//	reject <id> <reason>       mark a Processing payout as rejected
//	dashboard                  serve the live dashboard
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/vadiminshakov/instainr/config"
	"github.com/vadiminshakov/instainr/internal/app"
	"go.uber.org/zap"
)

func main() {
	debug := flag.Bool("debug", false, "enable development logging")
	flag.Usage = usage

	path, err := config.Path()
	if err != nil {
		fail(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		fail(err)
	}

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}
	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		usage()
		os.Exit(2)
	}

	logger := zap.NewNop()
	if *debug {
		logger, _ = zap.NewDevelopment()
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w, err := app.NewWallet(ctx, logger, cfg.Wallet)
	if err != nil {
		fail(err)
	}
	defer w.Close()

	if err := cmd(ctx, w, args[1:]); err != nil {
		w.Close()
		fail(err)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: instainr-wallet [--config file] [--debug] <command> [flags]\n\n")
	fmt.Fprintf(os.Stderr, "commands: connect, disconnect, status, quote, sell, history, reconcile, reject, dashboard\n\n")
	flag.PrintDefaults()
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, errorStyle.Render("error: "+err.Error()))
	os.Exit(1)
}
