package pricing

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const erc4626ABIJSON = `[{"inputs":[{"internalType":"uint256","name":"shares","type":"uint256"}],"name":"convertToAssets","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"}]`

var erc4626ABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(erc4626ABIJSON))
	if err != nil {
		panic("failed to parse ERC-4626 ABI: " + err.Error())
	}
	erc4626ABI = parsed
}

// VaultOptions parameterise the on-chain source.
type VaultOptions struct {
	Name   string
	RPCURL string
	// Vaults maps asset symbols onto ERC-4626 vault contract addresses. The
	// quoted price is the underlying value of one share, assuming a
	// USD-pegged underlying.
	Vaults  map[string]string
	Timeout time.Duration
}

// Vault reads share prices straight from ERC-4626 vault contracts.
type Vault struct {
	opts      VaultOptions
	logger    zerolog.Logger
	client    *ethclient.Client
	clientMux sync.Mutex
}

// NewVault builds an on-chain vault source. The RPC connection is dialled
// lazily on first use.
func NewVault(opts VaultOptions, logger zerolog.Logger) *Vault {
	return &Vault{opts: opts, logger: logger.With().Str("component", "vault_source").Logger()}
}

// Name identifies the source in diagnostics and configuration.
func (v *Vault) Name() string {
	if v.opts.Name != "" {
		return v.opts.Name
	}
	return "vault"
}

// LatestPrice reads convertToAssets(1e18) from the asset's vault contract.
func (v *Vault) LatestPrice(ctx context.Context, asset string) (decimal.Decimal, error) {
	if v.opts.RPCURL == "" {
		return decimal.Decimal{}, errors.New("ethereum rpc url not configured")
	}
	contract := v.opts.Vaults[asset]
	if contract == "" {
		return decimal.Decimal{}, fmt.Errorf("no vault contract configured for asset %q", asset)
	}

	timeout := v.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := v.getClient(ctx)
	if err != nil {
		return decimal.Decimal{}, err
	}

	addr := common.HexToAddress(contract)
	shares := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

	payload, err := erc4626ABI.Pack("convertToAssets", shares)
	if err != nil {
		return decimal.Decimal{}, err
	}

	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return decimal.Decimal{}, err
	}

	outputs, err := erc4626ABI.Unpack("convertToAssets", res)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if len(outputs) != 1 {
		return decimal.Decimal{}, errors.New("unexpected convertToAssets response")
	}
	assets, ok := outputs[0].(*big.Int)
	if !ok {
		return decimal.Decimal{}, errors.New("failed to decode convertToAssets output")
	}

	return decimal.NewFromBigInt(assets, -18), nil
}

func (v *Vault) getClient(ctx context.Context) (*ethclient.Client, error) {
	v.clientMux.Lock()
	defer v.clientMux.Unlock()

	if v.client != nil {
		return v.client, nil
	}
	client, err := ethclient.DialContext(ctx, v.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	v.client = client
	return client, nil
}

var _ Source = (*Vault)(nil)
