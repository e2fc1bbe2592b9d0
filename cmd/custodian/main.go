package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"orderly/custodian/internal/clients"
	"orderly/custodian/internal/config"
	"orderly/custodian/internal/orderly"
	"orderly/custodian/internal/services"
	"orderly/custodian/internal/stores"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"
)

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

	deposits, err := stores.NewLocalDepositStore(db)
	if err != nil {
		log.Fatal().Err(err).Msg("initializing deposit store")
	}
	accounts, err := stores.NewLocalAccountStore(db)
	if err != nil {
		log.Fatal().Err(err).Msg("initializing account store")
	}
	ledger, err := stores.NewLocalLedgerStore(db)
	if err != nil {
		log.Fatal().Err(err).Msg("initializing ledger store")
	}
	cursor, err := stores.NewLocalCursorStore(db)
	if err != nil {
		log.Fatal().Err(err).Msg("initializing cursor store")
	}
	keys, err := stores.NewLocalSigningKeyStore(db, cfg.SecretboxKey)
	if err != nil {
		log.Fatal().Err(err).Msg("initializing signing key store")
	}

	ethClient, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		log.Fatal().Err(err).Msg("connecting to eth client")
	}
	log.Info().Str("rpc", cfg.RPCURL).Msg("connected to eth client")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	accountID := orderly.ComputeAccountID(cfg.WalletAddress(), cfg.BrokerID)
	sg, err := keys.OpenSigner(ctx, accountID, time.Now())
	if err != nil {
		if errors.Is(err, stores.ErrKeyNotFound) {
			log.Fatal().Str("account_id", accountID).Msg("no active venue key, run the register command first")
		}
		log.Fatal().Err(err).Msg("opening venue signer")
	}

	venue := clients.NewExchangeClient(cfg.VenueBaseURL, sg, log)

	scanner := services.NewChainScanner(
		ethClient, cursor, deposits, accounts,
		cfg.TokenContract, cfg.CustodialAddress,
		cfg.MinDeposit, cfg.MinConfirmations, cfg.StartBlock,
		log,
	)
	settler := services.NewSettler(
		deposits, ledger, accounts, venue, ethClient,
		&services.LogAlerter{Log: log},
		cfg.TokenSymbol, cfg.TokenDecimals, cfg.MinConfirmations,
		log,
	)
	api := services.NewApiService(cfg.APIAddr, accounts, deposits, ledger, settler, cfg.BrokerID, log)

	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigch
		log.Info().Msg("stopping")
		cancel()
	}()

	go func() {
		log.Info().Str("addr", cfg.APIAddr).Msg("API listening")
		if err := api.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("api server")
		}
	}()

	go func() {
		if err := scanner.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Fatal().Err(err).Msg("chain scanner stopped")
		}
	}()

	go func() {
		if err := settler.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Fatal().Err(err).Msg("settler stopped")
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := api.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("api shutdown")
	}
}
