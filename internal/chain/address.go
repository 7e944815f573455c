package chain

import (
	"fmt"
	"strings"

	"CryptoSettle/internal/models"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/fbsobreira/gotron-sdk/pkg/address"
)

func NetworkParams(network string) (*chaincfg.Params, error) {
	switch strings.ToLower(strings.TrimSpace(network)) {
	case "", "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("unsupported bitcoin network: %s", network)
	}
}

// ValidateAddress checks that addr is a well-formed receive address for asset.
func ValidateAddress(asset models.Asset, addr string, params *chaincfg.Params) error {
	switch asset {
	case models.AssetBTC:
		if params == nil {
			params = &chaincfg.MainNetParams
		}
		decoded, err := btcutil.DecodeAddress(addr, params)
		if err != nil {
			return fmt.Errorf("invalid bitcoin address %s: %w", addr, err)
		}
		if !decoded.IsForNet(params) {
			return fmt.Errorf("bitcoin address %s is not for %s", addr, params.Name)
		}
		return nil
	case models.AssetTRC20USDT:
		if _, err := address.Base58ToAddress(addr); err != nil {
			return fmt.Errorf("invalid TRON address %s: %w", addr, err)
		}
		return nil
	default:
		return fmt.Errorf("unsupported asset %q", asset)
	}
}
