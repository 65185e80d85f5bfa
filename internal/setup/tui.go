package setup

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/instainr/config"
	"gopkg.in/yaml.v3"
)

const DefaultFile = "config.gen.yaml"

var (
	subtle    = lipgloss.AdaptiveColor{Light: "#D9DCCF", Dark: "#383838"}
	highlight = lipgloss.AdaptiveColor{Light: "#874BFD", Dark: "#7D56F4"}
	special   = lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Background(highlight).
			Padding(1, 2).
			Bold(true).
			MarginBottom(1)

	stepStyle = lipgloss.NewStyle().
			Foreground(special).
			Bold(true).
			MarginTop(1).
			MarginBottom(0)
)

// Answers holds what the wizard collected.
type Answers struct {
	Addr          string
	AppID         string
	Recipient     string
	Backend       string
	StorePath     string
	KafkaBrokers  string
	KafkaTopic    string
	BackendURL    string
	SignerURL     string
	Commission    string
	MinGross      string
	PriceInterval string
}

func defaultAnswers() Answers {
	return Answers{
		Addr:          ":3000",
		Backend:       config.BackendSQLite,
		StorePath:     "instainr-reservations.db",
		KafkaTopic:    "instainr.payouts",
		BackendURL:    "http://localhost:3000",
		SignerURL:     "ws://localhost:8787/signer",
		Commission:    "10",
		MinGross:      "500",
		PriceInterval: "60s",
	}
}

func header(step string) {
	fmt.Print("\033[H\033[2J")
	fmt.Println(headerStyle.Render("INSTAINR CONFIG WIZARD"))
	fmt.Println(stepStyle.Render(step))
}

// RunTUI launches the terminal configuration wizard and writes the result to
// path (DefaultFile when empty). It returns the written path.
func RunTUI(path string) (string, error) {
	if path == "" {
		path = DefaultFile
	}
	a := defaultAnswers()
	var confirm bool

	fmt.Print("\033[H\033[2J")
	fmt.Println(headerStyle.Render("INSTAINR CONFIG WIZARD"))
	fmt.Println(lipgloss.NewStyle().Foreground(subtle).Render("Sell WLD and USDC.e for INR.\n"))

	fmt.Println(stepStyle.Render("STEP 1: BACKEND"))
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Listen address").
				Value(&a.Addr),
			huh.NewInput().
				Title("World App ID").
				Description("Leave empty to read " + config.EnvAppID + " from the environment").
				Value(&a.AppID),
			huh.NewInput().
				Title("Payout recipient").
				Description("Address that receives sold tokens").
				Value(&a.Recipient).
				Validate(validateRecipient),
			huh.NewInput().
				Title("Price refresh interval").
				Description("Duration string (e.g. 30s, 1m)").
				Value(&a.PriceInterval).
				Validate(func(s string) error {
					_, err := time.ParseDuration(s)
					return err
				}),
		),
	).Run()
	if err != nil {
		return "", err
	}

	header("STEP 2: RESERVATIONS")
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Reservation store").
				Options(
					huh.NewOption("SQLite (single instance)", config.BackendSQLite),
					huh.NewOption("PostgreSQL", config.BackendPostgres),
					huh.NewOption("Redis", config.BackendRedis),
					huh.NewOption("In memory (development)", config.BackendMemory),
				).
				Value(&a.Backend),
		),
	).Run()
	if err != nil {
		return "", err
	}

	if a.Backend == config.BackendSQLite {
		err = huh.NewForm(huh.NewGroup(
			huh.NewInput().Title("SQLite file").Value(&a.StorePath),
		)).Run()
		if err != nil {
			return "", err
		}
	}

	header("STEP 3: PAYOUT EVENTS")
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Kafka brokers").
				Description("Comma separated, empty disables publishing").
				Value(&a.KafkaBrokers),
			huh.NewInput().
				Title("Kafka topic").
				Value(&a.KafkaTopic),
		),
	).Run()
	if err != nil {
		return "", err
	}

	header("STEP 4: WALLET")
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Backend URL").
				Value(&a.BackendURL),
			huh.NewInput().
				Title("Signer bridge URL").
				Value(&a.SignerURL),
			huh.NewInput().
				Title("Commission %").
				Value(&a.Commission).
				Validate(validateCommission),
			huh.NewInput().
				Title("Minimum sell (INR)").
				Value(&a.MinGross).
				Validate(validatePositive),
		),
	).Run()
	if err != nil {
		return "", err
	}

	header("FINAL CONFIRMATION")
	summary := fmt.Sprintf(
		"Backend: %s\nReservations: %s\nKafka: %s\nWallet backend: %s\nCommission: %s%%\n",
		a.Addr, a.Backend, orNone(a.KafkaBrokers), a.BackendURL, a.Commission,
	)
	fmt.Println(lipgloss.NewStyle().Border(lipgloss.NormalBorder()).Padding(1).Render(summary))

	err = huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Save Configuration?").
				Affirmative("Yes, save").
				Negative("No, exit").
				Value(&confirm),
		),
	).Run()
	if err != nil {
		return "", err
	}
	if !confirm {
		return "", fmt.Errorf("setup cancelled by user")
	}

	if err := Write(path, a); err != nil {
		return "", err
	}

	fmt.Println(lipgloss.NewStyle().Foreground(special).Render(fmt.Sprintf("\n✓ Configuration saved to %s", path)))
	return path, nil
}

// Write renders a as yaml and saves it to path.
func Write(path string, a Answers) error {
	tmp, err := a.configTmp()
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(tmp)
	if err != nil {
		return fmt.Errorf("failed to generate yaml: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to save config file: %w", err)
	}
	return nil
}

func (a Answers) configTmp() (config.ConfigTmp, error) {
	cfg, err := config.Load("")
	if err != nil {
		return config.ConfigTmp{}, err
	}
	tmp := cfg.Tmp()

	// env-provided secrets never land in the file
	tmp.Server.AppID = strings.TrimSpace(a.AppID)
	tmp.Server.Addr = a.Addr
	tmp.Server.Recipient = strings.TrimSpace(a.Recipient)
	tmp.Server.Reservations.Backend = a.Backend
	tmp.Server.Reservations.Path = a.StorePath
	if a.PriceInterval != "" {
		d, err := time.ParseDuration(a.PriceInterval)
		if err != nil {
			return config.ConfigTmp{}, fmt.Errorf("invalid price interval: %w", err)
		}
		tmp.Server.PriceInterval = d
		tmp.Wallet.PriceInterval = d
	}

	tmp.Server.Kafka = config.KafkaTmp{}
	if brokers := splitList(a.KafkaBrokers); len(brokers) > 0 {
		tmp.Server.Kafka = config.KafkaTmp{Brokers: brokers, Topic: a.KafkaTopic}
	}

	tmp.Wallet.BackendURL = a.BackendURL
	tmp.Wallet.SignerURL = a.SignerURL
	tmp.Wallet.CommissionPercentStr = a.Commission
	tmp.Wallet.MinGrossINRStr = a.MinGross
	return tmp, nil
}

func validateRecipient(s string) error {
	if s == "" || common.IsHexAddress(s) {
		return nil
	}
	return fmt.Errorf("must be a 0x address")
}

func validateCommission(s string) error {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("must be a valid number")
	}
	if d.IsNegative() || d.GreaterThanOrEqual(decimal.NewFromInt(100)) {
		return fmt.Errorf("must be between 0 and 100")
	}
	return nil
}

func validatePositive(s string) error {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("must be a valid number")
	}
	if !d.IsPositive() {
		return fmt.Errorf("must be positive")
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "disabled"
	}
	return s
}
