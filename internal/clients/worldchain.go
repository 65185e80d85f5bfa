package clients

import (
	"bytes"
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/instainr/internal/domain"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultWorldChainRPC = "https://worldchain-mainnet.g.alchemy.com/public"
	WorldChainID         = 480

	balanceDisplayPlaces = 6
)

var (
	WLDContract   = common.HexToAddress("0x2cfc85d8e48f8eab294be644d9e25c3030863003")
	USDCEContract = common.HexToAddress("0x79a02482a880bce3f13e09da970dc34db4cd24d1")
	WETHContract  = common.HexToAddress("0x4200000000000000000000000000000000000006")

	// keccak256("balanceOf(address)")[:4]
	balanceOfSelector = []byte{0x70, 0xa0, 0x82, 0x31}

	erc1271      = mustParseABI(erc1271ABI)
	erc1271Magic = []byte{0x16, 0x26, 0xba, 0x7e}
)

const erc1271ABI = `[{"type":"function","name":"isValidSignature","stateMutability":"view",
"inputs":[{"name":"hash","type":"bytes32"},{"name":"signature","type":"bytes"}],
"outputs":[{"name":"magicValue","type":"bytes4"}]}]`

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}

// ChainReader is the subset of ethclient used for balance lookups.
type ChainReader interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// WorldChain reads wallet balances for the supported assets.
type WorldChain struct {
	reader ChainReader
	closer func()
}

// DialWorldChain connects to the RPC endpoint.
func DialWorldChain(ctx context.Context, rpcURL string) (*WorldChain, error) {
	if rpcURL == "" {
		rpcURL = DefaultWorldChainRPC
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to dial %s", rpcURL)
	}
	return &WorldChain{reader: client, closer: client.Close}, nil
}

// NewWorldChain wraps an existing reader.
func NewWorldChain(reader ChainReader) *WorldChain {
	return &WorldChain{reader: reader}
}

// Balances fetches all three balances concurrently. ETH is the native
// balance plus wrapped ETH. Values are truncated to 6 decimal places.
func (w *WorldChain) Balances(ctx context.Context, address string) (domain.Balances, error) {
	if !common.IsHexAddress(address) {
		return nil, errors.Wrapf(domain.ErrValidation, "invalid wallet address %q", address)
	}
	owner := common.HexToAddress(address)

	var wld, usdc, native, weth *big.Int
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		wld, err = w.tokenBalance(gctx, WLDContract, owner)
		return errors.Wrap(err, "WLD balance")
	})
	g.Go(func() error {
		var err error
		usdc, err = w.tokenBalance(gctx, USDCEContract, owner)
		return errors.Wrap(err, "USDC.e balance")
	})
	g.Go(func() error {
		var err error
		native, err = w.reader.BalanceAt(gctx, owner, nil)
		return errors.Wrap(err, "native ETH balance")
	})
	g.Go(func() error {
		var err error
		weth, err = w.tokenBalance(gctx, WETHContract, owner)
		return errors.Wrap(err, "WETH balance")
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	eth := new(big.Int).Add(native, weth)

	return domain.Balances{
		domain.AssetWLD:   display(domain.AssetWLD, wld),
		domain.AssetETH:   display(domain.AssetETH, eth),
		domain.AssetUSDCE: display(domain.AssetUSDCE, usdc),
	}, nil
}

// IsValidSignature asks a smart-contract wallet (EIP-1271) whether sig is a
// valid signature of hash. Plain accounts have no code and yield false.
func (w *WorldChain) IsValidSignature(ctx context.Context, account common.Address, hash common.Hash, sig []byte) (bool, error) {
	data, err := erc1271.Pack("isValidSignature", [32]byte(hash), sig)
	if err != nil {
		return false, errors.Wrap(err, "failed to pack isValidSignature")
	}

	out, err := w.reader.CallContract(ctx, ethereum.CallMsg{To: &account, Data: data}, nil)
	if err != nil {
		return false, errors.Wrap(err, "isValidSignature call failed")
	}
	if len(out) < len(erc1271Magic) {
		return false, nil
	}
	return bytes.Equal(out[:len(erc1271Magic)], erc1271Magic), nil
}

func (w *WorldChain) Close() {
	if w.closer != nil {
		w.closer()
	}
}

func (w *WorldChain) tokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	data := make([]byte, 0, len(balanceOfSelector)+common.HashLength)
	data = append(data, balanceOfSelector...)
	data = append(data, common.LeftPadBytes(owner.Bytes(), common.HashLength)...)

	out, err := w.reader.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return new(big.Int), nil
	}
	return new(big.Int).SetBytes(out), nil
}

func display(a domain.Asset, v *big.Int) decimal.Decimal {
	return a.FromSmallestUnit(v).Truncate(balanceDisplayPlaces)
}
