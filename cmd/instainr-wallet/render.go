package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/vadiminshakov/instainr/internal/app"
	"github.com/vadiminshakov/instainr/internal/domain"
)

var (
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"})
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

func renderStatus(st app.Status) string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Session") + "\n")
	if st.Session.Active() {
		fmt.Fprintf(&b, "%s  %s\n", st.Session.DisplayName, st.Session.Identifier)
	} else {
		b.WriteString("not connected\n")
	}

	b.WriteString("\n" + titleStyle.Render("Balances") + "\n")
	if st.Balances.Err != "" {
		b.WriteString(warnStyle.Render(st.Balances.Err) + "\n")
	}
	for _, a := range domain.Assets {
		fmt.Fprintf(&b, "%-7s %s\n", a, st.Balances.Balances.Get(a).StringFixed(a.Decimals()))
	}

	b.WriteString("\n" + titleStyle.Render("Prices (INR)") + "\n")
	if st.Prices.Stale {
		b.WriteString(warnStyle.Render("stale: "+errString(st.Prices.Err)) + "\n")
	}
	for _, a := range domain.Assets {
		fmt.Fprintf(&b, "%-7s %s\n", a, st.Prices.Prices.Get(a).StringFixed(2))
	}
	return boxStyle.Render(strings.TrimRight(b.String(), "\n"))
}

func renderQuote(q domain.Quote) string {
	body := fmt.Sprintf("%s %s @ ₹%s\nGross       ₹%d\nCommission  ₹%d\nYou receive ₹%d",
		q.Amount, q.Token, q.INRPerUnit.StringFixed(2), q.INRGross, q.CommissionINR, q.INRNet)
	return boxStyle.Render(body)
}

func renderHistory(txs []domain.Transaction) string {
	if len(txs) == 0 {
		return "no transactions"
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("ID", "DATE", "TOKEN", "AMOUNT", "NET INR", "METHOD", "STATUS", "DETAIL")
	for _, tx := range txs {
		detail := tx.ExplorerURL
		if tx.Status == domain.TxRejected {
			detail = tx.RejectReason
		}
		t.Row(
			tx.ID,
			tx.CreatedAt.Local().Format("2006-01-02 15:04"),
			tx.Token.String(),
			tx.AmountToken.String(),
			fmt.Sprintf("₹%d", tx.INRNet),
			tx.MethodSummary,
			string(tx.Status),
			detail,
		)
	}
	return t.Render()
}

func errString(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
