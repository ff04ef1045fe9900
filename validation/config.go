package validation

import "time"

const (
	DefaultWindow    = 300 * time.Second
	DefaultDomainTag = "starRegistry"
)

func DefaultConfig() Config {
	return Config{
		Window:            DefaultWindow,
		Network:           "mainnet",
		VerifierCacheSize: 1024,
	}
}

//nolint:lll
type Config struct {
	Window            time.Duration `long:"validation-window"   description:"How long a challenge can be signed after it was issued"`
	Network           string        `long:"network"             description:"Bitcoin network of the signing addresses (mainnet, testnet3, regtest, simnet)"`
	VerifierCacheSize int           `long:"verifier-cache-size" description:"Number of signature verification results to cache (0 disables the cache)"`
}
