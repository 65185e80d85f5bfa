package main

import (
	"context"
	"flag"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/instainr/internal/app"
	"github.com/vadiminshakov/instainr/internal/domain"
	"github.com/vadiminshakov/instainr/internal/services/payment"
)

type command func(ctx context.Context, w *app.Wallet, args []string) error

var commands = map[string]command{
	"connect":    runConnect,
	"disconnect": runDisconnect,
	"status":     runStatus,
	"quote":      runQuote,
	"sell":       runSell,
	"history":    runHistory,
	"reconcile":  runReconcile,
	"reject":     runReject,
	"dashboard":  runDashboard,
}

func runConnect(ctx context.Context, w *app.Wallet, _ []string) error {
	s, err := w.Connect(ctx)
	if err != nil {
		return err
	}
	fmt.Println(okStyle.Render(fmt.Sprintf("connected as %s (%s)", s.DisplayName, s.Identifier)))
	return nil
}

func runDisconnect(_ context.Context, w *app.Wallet, _ []string) error {
	w.Disconnect()
	fmt.Println("disconnected")
	return nil
}

func runStatus(ctx context.Context, w *app.Wallet, _ []string) error {
	fmt.Println(renderStatus(w.Refresh(ctx)))
	return nil
}

func runQuote(ctx context.Context, w *app.Wallet, args []string) error {
	req, err := parseSell("quote", args)
	if err != nil {
		return err
	}
	q, err := w.Quote(ctx, req)
	if err != nil {
		return err
	}
	fmt.Println(renderQuote(q))
	return nil
}

func runSell(ctx context.Context, w *app.Wallet, args []string) error {
	req, err := parseSell("sell", args)
	if err != nil {
		return err
	}

	att, err := w.Sell(ctx, req)
	if err != nil {
		if att.LedgerID != "" {
			fmt.Println(warnStyle.Render(fmt.Sprintf("payment %s recorded as Processing, run reconcile later", att.LedgerID)))
		}
		return err
	}

	fmt.Println(renderQuote(att.Quote))
	fmt.Println(okStyle.Render(fmt.Sprintf("settled %s: %s", att.LedgerID, att.ExplorerURL)))
	return nil
}

// parseSell reads the sell form from flags. Field validation is left to the
// coordinator so quote and sell report the same errors.
func parseSell(name string, args []string) (payment.SellRequest, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	token := fs.String("token", domain.AssetWLD.String(), "token to sell (WLD or USDC.e)")
	amount := fs.String("amount", "", "amount of token")
	method := fs.String("method", string(domain.PayoutUPI), "payout method: UPI, PhonePe, PayTM, GPay or Bank")
	upi := fs.String("upi", "", "UPI ID (name@bank)")
	phone := fs.String("phone", "", "phone for wallet payouts (+91XXXXXXXXXX)")
	bank := fs.String("bank", "", "bank name")
	account := fs.String("account", "", "bank account number")
	ifsc := fs.String("ifsc", "", "bank IFSC code")
	aadhaar := fs.String("aadhaar", "", "Aadhaar number (XXXX XXXX XXXX)")
	if err := fs.Parse(args); err != nil {
		return payment.SellRequest{}, err
	}

	asset, err := domain.ParseAsset(*token)
	if err != nil {
		return payment.SellRequest{}, err
	}
	if strings.TrimSpace(*amount) == "" {
		return payment.SellRequest{}, errors.New("-amount is required")
	}

	t, err := domain.ParsePayoutType(*method)
	if err != nil {
		return payment.SellRequest{}, err
	}
	return payment.SellRequest{
		Token:  asset,
		Amount: *amount,
		Method: domain.PayoutMethod{
			Type:          t,
			UPIID:         *upi,
			Phone:         *phone,
			BankName:      *bank,
			AccountNumber: *account,
			IFSC:          *ifsc,
		},
		Aadhaar: *aadhaar,
	}, nil
}

func runHistory(_ context.Context, w *app.Wallet, args []string) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	status := fs.String("status", "", "filter: Processing, Completed or Rejected")
	if err := fs.Parse(args); err != nil {
		return err
	}

	s := domain.TxStatus(*status)
	if s != "" && !s.Valid() {
		return errors.Errorf("unknown status %q", *status)
	}
	fmt.Println(renderHistory(w.History(s)))
	return nil
}

func runReconcile(ctx context.Context, w *app.Wallet, _ []string) error {
	n, err := w.Reconcile(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%d payment(s) confirmed\n", n)
	return nil
}

func runReject(_ context.Context, w *app.Wallet, args []string) error {
	if len(args) < 2 {
		return errors.New("usage: reject <id> <reason>")
	}
	id := args[0]
	if err := w.Reject(id, strings.Join(args[1:], " ")); err != nil {
		return err
	}
	fmt.Printf("%s rejected\n", id)
	return nil
}

func runDashboard(ctx context.Context, w *app.Wallet, _ []string) error {
	fmt.Println(okStyle.Render("dashboard running, press Ctrl+C to stop"))
	return w.Serve(ctx)
}
