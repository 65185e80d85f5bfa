package domain

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

// PayoutType is how the INR payout reaches the user.
type PayoutType string

const (
	PayoutUPI     PayoutType = "UPI"
	PayoutPhonePe PayoutType = "PhonePe"
	PayoutPayTM   PayoutType = "PayTM"
	PayoutGPay    PayoutType = "GPay"
	PayoutBank    PayoutType = "Bank"
)

var (
	upiPattern     = regexp.MustCompile(`^[\w.-]{2,}@[A-Za-z]{2,}$`)
	phonePattern   = regexp.MustCompile(`^\+91\d{10}$`)
	ifscPattern    = regexp.MustCompile(`^[A-Z]{4}0[A-Z0-9]{6}$`)
	accountPattern = regexp.MustCompile(`^[0-9]{9,18}$`)
	aadhaarPattern = regexp.MustCompile(`^\d{4}\s\d{4}\s\d{4}$`)
)

// PayoutMethod holds the destination details entered on the sell form.
// Only the fields relevant to Type are read.
type PayoutMethod struct {
	Type PayoutType `json:"type"`

	UPIID string `json:"upi_id,omitempty"`
	Phone string `json:"phone,omitempty"`

	BankName      string `json:"bank_name,omitempty"`
	AccountNumber string `json:"account_number,omitempty"`
	IFSC          string `json:"ifsc,omitempty"`
}

// ParsePayoutType matches a payout type name case-insensitively.
func ParsePayoutType(s string) (PayoutType, error) {
	for _, t := range []PayoutType{PayoutUPI, PayoutPhonePe, PayoutPayTM, PayoutGPay, PayoutBank} {
		if strings.EqualFold(string(t), strings.TrimSpace(s)) {
			return t, nil
		}
	}
	return "", errors.Wrapf(ErrValidation, "unknown payout method %q", s)
}

// Validate checks the fields required by the method type.
func (m PayoutMethod) Validate() error {
	switch m.Type {
	case PayoutUPI:
		if !upiPattern.MatchString(strings.TrimSpace(m.UPIID)) {
			return errors.Wrap(ErrValidation, "enter a valid UPI ID (e.g. name@bank)")
		}
	case PayoutPhonePe, PayoutPayTM, PayoutGPay:
		if !phonePattern.MatchString(strings.TrimSpace(m.Phone)) {
			return errors.Wrap(ErrValidation, "enter phone as +91XXXXXXXXXX")
		}
	case PayoutBank:
		if len(strings.TrimSpace(m.BankName)) < 2 {
			return errors.Wrap(ErrValidation, "enter bank name")
		}
		if !accountPattern.MatchString(strings.TrimSpace(m.AccountNumber)) {
			return errors.Wrap(ErrValidation, "account number must be 9-18 digits")
		}
		if !ifscPattern.MatchString(strings.ToUpper(strings.TrimSpace(m.IFSC))) {
			return errors.Wrap(ErrValidation, "invalid IFSC (e.g. HDFC0001234)")
		}
	default:
		return errors.Wrapf(ErrValidation, "unknown payout method %q", m.Type)
	}
	return nil
}

// Summary renders the short description stored with the transaction.
func (m PayoutMethod) Summary() string {
	switch m.Type {
	case PayoutUPI:
		return fmt.Sprintf("UPI • %s", strings.TrimSpace(m.UPIID))
	case PayoutBank:
		acct := strings.TrimSpace(m.AccountNumber)
		last4 := acct
		if len(acct) > 4 {
			last4 = acct[len(acct)-4:]
		}
		return fmt.Sprintf("Bank • %s (%s)", strings.TrimSpace(m.BankName), last4)
	default:
		return fmt.Sprintf("%s • %s", m.Type, strings.TrimSpace(m.Phone))
	}
}

// ValidateAadhaar checks the KYC number format (XXXX XXXX XXXX).
func ValidateAadhaar(aadhaar string) error {
	if !aadhaarPattern.MatchString(strings.TrimSpace(aadhaar)) {
		return errors.Wrap(ErrValidation, "aadhaar must be in XXXX XXXX XXXX format")
	}
	return nil
}
