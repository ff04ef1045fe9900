package signing

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcutil"
)

const messageMagic = "Bitcoin Signed Message:\n"

var (
	ErrInvalidAddress     = errors.New("address is invalid")
	ErrMalformedSignature = errors.New("signature is malformed")
	ErrSignatureMismatch  = errors.New("signature does not match the address")
)

//go:generate mockgen -package mocks -destination mocks/verifier.go . Verifier

// Verifier checks that a signature over a message was produced by the
// key controlling the given address.
type Verifier interface {
	Verify(message, address, signature string) error
}

type messageVerifier struct {
	params *chaincfg.Params
}

// NewMessageVerifier returns a Verifier of bitcoin signed messages
// (base64 compact signatures over P2PKH addresses).
func NewMessageVerifier(params *chaincfg.Params) Verifier {
	return &messageVerifier{params: params}
}

func (v *messageVerifier) Verify(message, address, signature string) error {
	addr, err := btcutil.DecodeAddress(address, v.params)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if _, ok := addr.(*btcutil.AddressPubKeyHash); !ok || !addr.IsForNet(v.params) {
		return fmt.Errorf("%w: not a P2PKH address for %s", ErrInvalidAddress, v.params.Name)
	}

	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	hash, err := messageHash(message)
	if err != nil {
		return err
	}
	pubKey, wasCompressed, err := btcec.RecoverCompact(btcec.S256(), sig, hash)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}

	var serialized []byte
	if wasCompressed {
		serialized = pubKey.SerializeCompressed()
	} else {
		serialized = pubKey.SerializeUncompressed()
	}
	recovered, err := btcutil.NewAddressPubKey(serialized, v.params)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	if recovered.EncodeAddress() != addr.EncodeAddress() {
		return ErrSignatureMismatch
	}
	return nil
}

// SignMessage signs the message with the key in wif and returns the
// base64 encoded compact signature.
func SignMessage(wif *btcutil.WIF, message string) (string, error) {
	hash, err := messageHash(message)
	if err != nil {
		return "", err
	}
	sig, err := btcec.SignCompact(btcec.S256(), wif.PrivKey, hash, wif.CompressPubKey)
	if err != nil {
		return "", fmt.Errorf("signing message: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Address returns the P2PKH address controlled by the key in wif.
func Address(wif *btcutil.WIF, params *chaincfg.Params) (string, error) {
	addr, err := btcutil.NewAddressPubKey(wif.SerializePubKey(), params)
	if err != nil {
		return "", err
	}
	return addr.EncodeAddress(), nil
}

// NewKey generates a fresh compressed key for the given network.
func NewKey(params *chaincfg.Params) (*btcutil.WIF, error) {
	priv, err := btcec.NewPrivateKey(btcec.S256())
	if err != nil {
		return nil, fmt.Errorf("generating private key: %w", err)
	}
	return btcutil.NewWIF(priv, params, true)
}

func messageHash(message string) ([]byte, error) {
	var buf bytes.Buffer
	if err := wire.WriteVarString(&buf, 0, messageMagic); err != nil {
		return nil, err
	}
	if err := wire.WriteVarString(&buf, 0, message); err != nil {
		return nil, err
	}
	return chainhash.DoubleHashB(buf.Bytes()), nil
}

// NetParams returns the chain parameters of the named network.
func NetParams(name string) (*chaincfg.Params, error) {
	switch name {
	case "", "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet3", "testnet":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "simnet":
		return &chaincfg.SimNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network %q", name)
	}
}
