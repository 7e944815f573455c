package chain

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"golang.org/x/crypto/ripemd160"
)

// AddressDeriver turns an account-level extended public key into native
// segwit receive addresses on the external chain (.../0/index).
type AddressDeriver struct {
	account *hdkeychain.ExtendedKey
	params  *chaincfg.Params
}

func NewAddressDeriver(xpub string, params *chaincfg.Params) (*AddressDeriver, error) {
	if xpub == "" {
		return nil, errors.New("xpub is not configured")
	}
	if params == nil {
		params = &chaincfg.MainNetParams
	}
	key, err := hdkeychain.NewKeyFromString(xpub)
	if err != nil {
		return nil, fmt.Errorf("parse xpub: %w", err)
	}
	if key.IsPrivate() {
		return nil, errors.New("refusing to derive from a private extended key")
	}
	if !key.IsForNet(params) {
		return nil, fmt.Errorf("xpub is not for %s", params.Name)
	}
	return &AddressDeriver{account: key, params: params}, nil
}

func (d *AddressDeriver) Derive(index uint32) (string, error) {
	if index >= hdkeychain.HardenedKeyStart {
		return "", fmt.Errorf("derivation index %d out of range", index)
	}
	external, err := d.account.Derive(0)
	if err != nil {
		return "", err
	}
	child, err := external.Derive(index)
	if err != nil {
		return "", err
	}

	pubKey, err := child.ECPubKey()
	if err != nil {
		return "", err
	}

	compressed := pubKey.SerializeCompressed()
	hash := sha256.Sum256(compressed)
	rip := ripemd160.New()
	_, _ = rip.Write(hash[:])

	addr, err := btcutil.NewAddressWitnessPubKeyHash(rip.Sum(nil), d.params)
	if err != nil {
		return "", err
	}
	return addr.EncodeAddress(), nil
}
