// cmd/checkout/main.go
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rovshanmuradov/blinkshop/internal/app"
	"github.com/rovshanmuradov/blinkshop/internal/checkout"
	"github.com/rovshanmuradov/blinkshop/internal/config"
	"github.com/rovshanmuradov/blinkshop/internal/logger"
	"github.com/rovshanmuradov/blinkshop/internal/wallet"
	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

// Exit codes follow checkout.Class so scripts can decide whether to retry.
var exitCodes = map[checkout.Class]int{
	checkout.ClassInput:        2,
	checkout.ClassCapability:   3,
	checkout.ClassTransient:    4,
	checkout.ClassConfirmation: 5,
	checkout.ClassCanceled:     6,
}

func main() {
	var (
		configPath = pflag.StringP("config", "c", "", "path to a JSON or YAML config file")
		walletName = pflag.StringP("wallet", "w", "", "wallet name from the wallet file (default: the only wallet)")
		listingID  = pflag.StringP("listing", "l", "", "listing id to buy")
		tokenSym   = pflag.StringP("token", "t", "USDC", "token symbol")
		amountStr  = pflag.StringP("amount", "a", "", "amount in token units (default: listing price)")
		reference  = pflag.String("reference", "", "caller reference stored with the transfer")
	)
	pflag.Parse()

	if *listingID == "" {
		fmt.Fprintln(os.Stderr, "--listing is required")
		os.Exit(2)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logCfg := logger.DefaultConfig()
	logCfg.LogFile = cfg.LogFile
	logCfg.Development = cfg.DebugLogging
	log, err := logger.New(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}

	code := run(log.Logger, cfg, *walletName, checkout.PurchaseRequest{
		ListingID: *listingID,
		Token:     *tokenSym,
		Reference: *reference,
	}, *amountStr)
	_ = log.Close()
	os.Exit(code)
}

func run(log *zap.Logger, cfg *config.Config, walletName string, req checkout.PurchaseRequest, amount string) int {
	if amount != "" {
		d, err := decimal.NewFromString(amount)
		if err != nil {
			log.Error("Invalid amount", zap.String("amount", amount), zap.Error(err))
			return 2
		}
		req.Amount = d
	}

	signer, err := pickWallet(cfg.WalletFile, walletName)
	if err != nil {
		log.Error("Failed to load wallet", zap.Error(err))
		return 3
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner, err := app.NewRunner(ctx, cfg, log)
	if err != nil {
		log.Error("Failed to initialize", zap.Error(err))
		return 1
	}
	defer runner.Close()

	res, err := runner.Checkout().Purchase(ctx, req, signer)
	if err != nil {
		var cerr *checkout.Error
		class := checkout.Classify(err)
		fields := []zap.Field{zap.String("class", string(class)), zap.Error(err)}
		if errors.As(err, &cerr) {
			fields = append(fields, zap.String("stage", string(cerr.Stage)), zap.String("signature", cerr.Signature))
		}
		log.Error("Purchase failed", fields...)
		if c, ok := exitCodes[class]; ok {
			return c
		}
		return 1
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		log.Error("Failed to print result", zap.Error(err))
		return 1
	}
	return 0
}

func pickWallet(path, name string) (*wallet.Wallet, error) {
	if path == "" {
		return nil, errors.New("wallet_file is not configured")
	}
	wallets, err := wallet.LoadWallets(path)
	if err != nil {
		return nil, err
	}
	if name != "" {
		w, ok := wallets[name]
		if !ok {
			return nil, fmt.Errorf("wallet %q not found in %s", name, path)
		}
		return w, nil
	}
	if len(wallets) != 1 {
		return nil, fmt.Errorf("%s has %d wallets; pick one with --wallet", path, len(wallets))
	}
	for _, w := range wallets {
		return w, nil
	}
	return nil, nil
}
