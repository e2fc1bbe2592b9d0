package main

import (
	"context"
	"math/big"
	"os"
	"time"

	"orderly/custodian/internal/clients"
	"orderly/custodian/internal/config"
	"orderly/custodian/internal/models"
	"orderly/custodian/internal/orderly"
	"orderly/custodian/internal/signer"
	"orderly/custodian/internal/stores"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"
)

const keyLifetime = 365 * 24 * time.Hour

// register performs the one-time venue onboarding for the custodian wallet:
// register the account, announce a fresh ed25519 key, and persist the sealed
// seed for the agent to use.
func main() {
	log := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("loading config")
	}

	db, err := bolt.Open(cfg.DBPath, 0600, nil)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("opening database")
	}
	defer db.Close()

	keys, err := stores.NewLocalSigningKeyStore(db, cfg.SecretboxKey)
	if err != nil {
		log.Fatal().Err(err).Msg("initializing signing key store")
	}

	ctx := context.Background()
	wallet := cfg.WalletAddress()
	client := clients.NewExchangeClient(cfg.VenueBaseURL, nil, log)

	nonceStr, err := client.RegistrationNonce(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("fetching registration nonce")
	}
	nonce, ok := new(big.Int).SetString(nonceStr, 10)
	if !ok {
		log.Fatal().Str("nonce", nonceStr).Msg("registration nonce is not a base-10 integer")
	}

	now := time.Now()
	regMsg := orderly.Registration{
		BrokerID:          cfg.BrokerID,
		ChainID:           cfg.ChainID,
		Timestamp:         uint64(now.UnixMilli()),
		RegistrationNonce: nonce,
	}
	regSig, err := orderly.SignOffChain(cfg.WalletKey, cfg.ChainID, regMsg)
	if err != nil {
		log.Fatal().Err(err).Msg("signing registration message")
	}

	accountID, err := client.RegisterAccount(ctx, clients.RegisterAccountRequest{
		Message: clients.RegistrationMessage{
			BrokerID:          cfg.BrokerID,
			ChainID:           cfg.ChainID.Int64(),
			Timestamp:         now.UnixMilli(),
			RegistrationNonce: nonceStr,
		},
		Signature:   regSig.Hex(),
		UserAddress: wallet.Hex(),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("registering account")
	}

	if expected := orderly.ComputeAccountID(wallet, cfg.BrokerID); accountID != expected {
		log.Warn().
			Str("venue", accountID).
			Str("computed", expected).
			Msg("venue account id differs from computed id")
	}
	log.Info().Str("account_id", accountID).Str("wallet", wallet.Hex()).Msg("account registered")

	expiresAt := now.Add(keyLifetime)
	rs, err := signer.New(accountID, models.ScopeTrading, expiresAt)
	if err != nil {
		log.Fatal().Err(err).Msg("generating venue key")
	}

	keyTime := time.Now()
	keyMsg := orderly.AddOrderlyKey{
		BrokerID:   cfg.BrokerID,
		ChainID:    cfg.ChainID,
		OrderlyKey: rs.PublicKey(),
		Scope:      string(rs.Scope()),
		Timestamp:  uint64(keyTime.UnixMilli()),
		Expiration: uint64(expiresAt.UnixMilli()),
	}
	keySig, err := orderly.SignOffChain(cfg.WalletKey, cfg.ChainID, keyMsg)
	if err != nil {
		log.Fatal().Err(err).Msg("signing key announcement")
	}

	err = client.AddOrderlyKey(ctx, clients.AddKeyRequest{
		Message: clients.AddKeyMessage{
			BrokerID:   cfg.BrokerID,
			ChainID:    cfg.ChainID.Int64(),
			OrderlyKey: rs.PublicKey(),
			Scope:      string(rs.Scope()),
			Timestamp:  keyTime.UnixMilli(),
			Expiration: expiresAt.UnixMilli(),
		},
		Signature:   keySig.Hex(),
		UserAddress: wallet.Hex(),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("announcing venue key")
	}

	err = keys.Put(ctx, &models.SigningKey{
		AccountID: accountID,
		PublicKey: rs.PublicKey(),
		Scope:     rs.Scope(),
		ExpiresAt: expiresAt,
		CreatedAt: now,
	}, rs.Seed())
	if err != nil {
		log.Fatal().Err(err).Msg("persisting venue key")
	}

	log.Info().
		Str("account_id", accountID).
		Str("orderly_key", rs.PublicKey()).
		Time("expires_at", expiresAt).
		Msg("venue key announced and stored")
}
