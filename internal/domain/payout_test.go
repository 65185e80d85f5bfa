package domain

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayoutMethod_Validate(t *testing.T) {
	tests := []struct {
		name    string
		method  PayoutMethod
		summary string
		wantErr bool
	}{
		{name: "upi", method: PayoutMethod{Type: PayoutUPI, UPIID: "alice.k@okaxis"}, summary: "UPI • alice.k@okaxis"},
		{name: "upi without handle", method: PayoutMethod{Type: PayoutUPI, UPIID: "alice"}, wantErr: true},
		{name: "phonepe", method: PayoutMethod{Type: PayoutPhonePe, Phone: "+919876543210"}, summary: "PhonePe • +919876543210"},
		{name: "gpay missing country code", method: PayoutMethod{Type: PayoutGPay, Phone: "9876543210"}, wantErr: true},
		{
			name:    "bank",
			method:  PayoutMethod{Type: PayoutBank, BankName: "HDFC Bank", AccountNumber: "123456789012", IFSC: "HDFC0001234"},
			summary: "Bank • HDFC Bank (9012)",
		},
		{name: "bank short account", method: PayoutMethod{Type: PayoutBank, BankName: "HDFC", AccountNumber: "1234", IFSC: "HDFC0001234"}, wantErr: true},
		{name: "bank bad ifsc", method: PayoutMethod{Type: PayoutBank, BankName: "HDFC", AccountNumber: "123456789", IFSC: "HDFC1001234"}, wantErr: true},
		{name: "unknown", method: PayoutMethod{Type: "Cash"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.method.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, IsValidation(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.summary, tt.method.Summary())
		})
	}
}

func TestValidateAadhaar(t *testing.T) {
	assert.NoError(t, ValidateAadhaar("1234 5678 9012"))
	assert.Error(t, ValidateAadhaar("123456789012"))
}

func TestPrices_JSON(t *testing.T) {
	p := Prices{AssetWLD: decimal.NewFromInt(350)}
	data, err := json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, `{"WLD":350,"ETH":0,"USDC.e":0}`, string(data))

	var decoded Prices
	require.NoError(t, json.Unmarshal([]byte(`{"WLD":350.5,"ETH":"250000","extra":1}`), &decoded))
	assert.True(t, decoded.Get(AssetWLD).Equal(decimal.RequireFromString("350.5")))
	assert.True(t, decoded.Get(AssetETH).Equal(decimal.NewFromInt(250000)))
	assert.True(t, decoded.Get(AssetUSDCE).IsZero())
	assert.False(t, decoded.AllZero())
}

func TestSession_Active(t *testing.T) {
	assert.False(t, Session{Connected: true}.Active())
	assert.True(t, Session{Connected: true, Identifier: "0xabc"}.Active())
	assert.Equal(t, "IINR000042", FormatTransactionID(42))
}
