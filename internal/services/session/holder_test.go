package session

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/instainr/internal/api"
	"github.com/vadiminshakov/instainr/internal/domain"
	"github.com/vadiminshakov/instainr/internal/signer"
	"github.com/vadiminshakov/instainr/internal/storage/kvstore"
	"go.uber.org/zap"
)

const address = "0x06A4A1eA929074790E4E4bE3d8be70d4E4738CC6"

type mockBackend struct {
	mock.Mock
}

func (m *mockBackend) Nonce(ctx context.Context) (api.NonceResponse, error) {
	args := m.Called(ctx)
	return args.Get(0).(api.NonceResponse), args.Error(1)
}

func (m *mockBackend) CompleteSIWE(ctx context.Context, req api.CompleteSIWERequest) (api.CompleteSIWEResponse, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(api.CompleteSIWEResponse), args.Error(1)
}

type stubSigner struct {
	availableAfter int32
	checks         atomic.Int32
	user           signer.HostUser
	auth           api.WalletAuthPayload
	gotNonce       string
}

func (s *stubSigner) Available(context.Context) bool {
	return s.checks.Add(1) > s.availableAfter
}

func (s *stubSigner) User() signer.HostUser { return s.user }

func (s *stubSigner) WalletAuth(_ context.Context, req signer.WalletAuthRequest) (api.WalletAuthPayload, error) {
	s.gotNonce = req.Nonce
	return s.auth, nil
}

func (s *stubSigner) Pay(context.Context, signer.PayCommand) error { return nil }

func (s *stubSigner) SubscribePayments(func(api.PaymentPayload)) func() { return func() {} }

func newStore(t *testing.T, dir string) *kvstore.WALStore {
	t.Helper()
	st, err := kvstore.NewWALStore(zap.NewNop(), dir)
	require.NoError(t, err)
	return st
}

var fastPoll = Options{PollAttempts: 5, PollInterval: time.Millisecond}

func okSigner() *stubSigner {
	return &stubSigner{
		user: signer.HostUser{Username: "asha"},
		auth: api.WalletAuthPayload{Status: api.StatusSuccess, Message: "msg", Signature: "0xsig", Address: address},
	}
}

func TestHolder_ConnectPersistsAndNotifies(t *testing.T) {
	dir := t.TempDir()
	st := newStore(t, dir)

	b := &mockBackend{}
	b.On("Nonce", mock.Anything).Return(api.NonceResponse{Nonce: "n0nce123", AppID: "app_1"}, nil)
	b.On("CompleteSIWE", mock.Anything, mock.MatchedBy(func(req api.CompleteSIWERequest) bool {
		return req.Nonce == "n0nce123" && req.AppID == "app_1" && req.Payload.Address == address
	})).Return(api.CompleteSIWEResponse{Status: api.StatusSuccess, IsValid: true, Address: address}, nil)

	s := okSigner()
	s.availableAfter = 2
	h := NewHolder(zap.NewNop(), b, s, st, fastPoll)

	var notified []domain.Session
	h.OnChange(func(s domain.Session) { notified = append(notified, s) })

	got, err := h.Connect(context.Background())
	require.NoError(t, err)
	assert.True(t, got.Active())
	assert.Equal(t, "asha", got.DisplayName)
	assert.Equal(t, address, got.Identifier)
	assert.Equal(t, "n0nce123", s.gotNonce)
	require.Len(t, notified, 1)
	b.AssertExpectations(t)

	require.NoError(t, st.Close())

	restored := NewHolder(zap.NewNop(), b, s, newStore(t, dir), fastPoll)
	assert.Equal(t, got, restored.Session())
}

func TestHolder_DefaultDisplayName(t *testing.T) {
	b := &mockBackend{}
	b.On("Nonce", mock.Anything).Return(api.NonceResponse{Nonce: "n"}, nil)
	b.On("CompleteSIWE", mock.Anything, mock.Anything).Return(api.CompleteSIWEResponse{Status: api.StatusSuccess, IsValid: true, Address: address}, nil)

	s := okSigner()
	s.user = signer.HostUser{}
	h := NewHolder(zap.NewNop(), b, s, nil, fastPoll)

	got, err := h.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultDisplayName, got.DisplayName)
}

func TestHolder_SignerUnavailable(t *testing.T) {
	b := &mockBackend{}
	s := okSigner()
	s.availableAfter = 100

	h := NewHolder(zap.NewNop(), b, s, nil, fastPoll)
	_, err := h.Connect(context.Background())
	require.ErrorIs(t, err, ErrSignerUnavailable)
	assert.Equal(t, int32(5), s.checks.Load())
	assert.False(t, h.Session().Active())
	b.AssertNotCalled(t, "Nonce", mock.Anything)
}

func TestHolder_FailuresLeaveSessionUnchanged(t *testing.T) {
	tests := []struct {
		name    string
		auth    api.WalletAuthPayload
		verdict api.CompleteSIWEResponse
		siweErr error
		wantErr error
	}{
		{
			name:    "declined",
			auth:    api.WalletAuthPayload{Status: api.StatusError, ErrorCode: "user_rejected"},
			wantErr: ErrDeclined,
		},
		{
			name:    "invalid signature",
			auth:    okSigner().auth,
			verdict: api.CompleteSIWEResponse{Status: api.StatusError, IsValid: false, Message: "invalid nonce"},
			wantErr: ErrVerificationFailed,
		},
		{
			name:    "backend down",
			auth:    okSigner().auth,
			siweErr: errors.New("connection refused"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &mockBackend{}
			b.On("Nonce", mock.Anything).Return(api.NonceResponse{Nonce: "n"}, nil)
			b.On("CompleteSIWE", mock.Anything, mock.Anything).Return(tt.verdict, tt.siweErr).Maybe()

			s := okSigner()
			s.auth = tt.auth
			h := NewHolder(zap.NewNop(), b, s, nil, fastPoll)

			changed := false
			h.OnChange(func(domain.Session) { changed = true })

			_, err := h.Connect(context.Background())
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			assert.False(t, h.Session().Active())
			assert.False(t, changed)
		})
	}
}

func TestHolder_DisconnectClearsBlob(t *testing.T) {
	st := newStore(t, t.TempDir())
	defer st.Close()
	require.NoError(t, st.Put(Key, domain.Session{Connected: true, DisplayName: "asha", Identifier: address}))

	h := NewHolder(zap.NewNop(), &mockBackend{}, okSigner(), st, fastPoll)
	require.True(t, h.Session().Active())

	var last domain.Session
	h.OnChange(func(s domain.Session) { last = s })
	h.Disconnect()

	assert.False(t, h.Session().Connected)
	assert.False(t, last.Connected)
	var blob domain.Session
	assert.ErrorIs(t, st.Get(Key, &blob), kvstore.ErrNotFound)
}

func TestHolder_ConnectedBlobWithoutIdentifierIsIgnored(t *testing.T) {
	st := newStore(t, t.TempDir())
	defer st.Close()
	require.NoError(t, st.Put(Key, domain.Session{Connected: true, DisplayName: "ghost"}))

	h := NewHolder(zap.NewNop(), &mockBackend{}, okSigner(), st, fastPoll)
	assert.False(t, h.Session().Connected)
	assert.Empty(t, h.Session().DisplayName)
}
