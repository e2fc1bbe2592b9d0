package config

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"

	"orderly/custodian/internal/secretbox"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/joho/godotenv"
)

// Config is everything the binaries read from the environment. Load fails fast
// on anything malformed so a misconfigured process never starts half-working.
type Config struct {
	RPCURL       string
	DBPath       string
	VenueBaseURL string

	BrokerID string
	ChainID  *big.Int

	CustodialAddress common.Address
	TokenContract    common.Address
	TokenSymbol      string
	TokenDecimals    int32

	MinDeposit       *big.Int
	MinConfirmations uint64
	StartBlock       uint64

	APIAddr string

	WalletKey    *ecdsa.PrivateKey
	SecretboxKey secretbox.Key
}

func Load() (*Config, error) {
	// a .env file is a convenience for local runs, not a requirement
	_ = godotenv.Load()

	cfg := &Config{
		DBPath:           envOr("DB_PATH", "custodian.db"),
		TokenSymbol:      envOr("TOKEN_SYMBOL", "USDC"),
		APIAddr:          envOr("API_ADDR", ":8000"),
		MinConfirmations: 12,
		TokenDecimals:    6,
		MinDeposit:       big.NewInt(0),
	}

	var err error
	if cfg.RPCURL, err = required("RPC_URL"); err != nil {
		return nil, err
	}
	if cfg.VenueBaseURL, err = required("VENUE_BASE_URL"); err != nil {
		return nil, err
	}
	if cfg.BrokerID, err = required("BROKER_ID"); err != nil {
		return nil, err
	}

	chainID, err := requiredInt("CHAIN_ID")
	if err != nil {
		return nil, err
	}
	cfg.ChainID = big.NewInt(chainID)

	if cfg.CustodialAddress, err = requiredAddress("CUSTODIAL_ADDRESS"); err != nil {
		return nil, err
	}
	if cfg.TokenContract, err = requiredAddress("TOKEN_CONTRACT"); err != nil {
		return nil, err
	}

	if v := os.Getenv("TOKEN_DECIMALS"); v != "" {
		d, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("TOKEN_DECIMALS: %w", err)
		}
		cfg.TokenDecimals = int32(d)
	}
	if v := os.Getenv("MIN_CONFIRMATIONS"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("MIN_CONFIRMATIONS: %w", err)
		}
		cfg.MinConfirmations = n
	}
	if v := os.Getenv("START_BLOCK"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("START_BLOCK: %w", err)
		}
		cfg.StartBlock = n
	}
	if v := os.Getenv("MIN_DEPOSIT"); v != "" {
		n, ok := new(big.Int).SetString(v, 10)
		if !ok {
			return nil, fmt.Errorf("MIN_DEPOSIT is not a base-10 integer: %q", v)
		}
		cfg.MinDeposit = n
	}

	walletKey, err := required("WALLET_PRIVATE_KEY")
	if err != nil {
		return nil, err
	}
	cfg.WalletKey, err = crypto.HexToECDSA(strings.TrimPrefix(walletKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("WALLET_PRIVATE_KEY: %w", err)
	}

	boxKey, err := required("SECRETBOX_KEY")
	if err != nil {
		return nil, err
	}
	cfg.SecretboxKey, err = secretbox.KeyFromHex(boxKey)
	if err != nil {
		return nil, fmt.Errorf("SECRETBOX_KEY: %w", err)
	}

	return cfg, nil
}

// WalletAddress is the custodian's EOA, recovered from the signing key.
func (c *Config) WalletAddress() common.Address {
	return crypto.PubkeyToAddress(c.WalletKey.PublicKey)
}

func envOr(name string, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func required(name string) (string, error) {
	v := os.Getenv(name)
	if v == "" {
		return "", fmt.Errorf("%s is required", name)
	}
	return v, nil
}

func requiredInt(name string) (int64, error) {
	v, err := required(name)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return n, nil
}

func requiredAddress(name string) (common.Address, error) {
	v, err := required(name)
	if err != nil {
		return common.Address{}, err
	}
	if !common.IsHexAddress(v) {
		return common.Address{}, fmt.Errorf("%s is not a hex address: %q", name, v)
	}
	return common.HexToAddress(v), nil
}
