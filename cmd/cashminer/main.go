package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"sparkcash/client"
	"sparkcash/crypto"
	"sparkcash/miner"
	"sparkcash/observability/logging"
	"sparkcash/pool"
	"sparkcash/protocol"
	"sparkcash/puzzle"
)

func main() {
	var (
		serverURL  string
		keyHex     string
		keystore   string
		passphrase string
		receiver   string
		mode       string
		size       int
		minimum    string
	)
	flag.StringVar(&serverURL, "server", "http://localhost:7080", "settlement server URL")
	flag.StringVar(&keyHex, "key", "", "hex private key (generated when empty)")
	flag.StringVar(&keystore, "keystore", "", "path to an encrypted keystore file")
	flag.StringVar(&passphrase, "passphrase", "", "keystore passphrase")
	flag.StringVar(&receiver, "receiver", "", "receiver address (defaults to the mining identity)")
	flag.StringVar(&mode, "mode", string(miner.ModeStop), "mining mode: stop or loop")
	flag.IntVar(&size, "size", 128, "proofs per batch (1-2048)")
	flag.StringVar(&minimum, "minimum", "1000000", "per-proof value threshold")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("CASH_ENV"))
	logger := logging.Setup("cashminer", env)

	key, err := loadKey(keyHex, keystore, passphrase)
	if err != nil {
		log.Fatalf("cashminer: load key: %v", err)
	}
	identity := key.PubKey().Address()
	logger.Info("mining identity", "address", identity.String())

	target := identity
	if receiver != "" {
		target, err = crypto.DecodeAddress(receiver)
		if err != nil {
			log.Fatalf("cashminer: receiver: %v", err)
		}
	}

	threshold, ok := new(big.Int).SetString(minimum, 10)
	if !ok || threshold.Sign() < 1 {
		log.Fatalf("cashminer: minimum must be a positive integer, got %q", minimum)
	}
	if size < 1 || size > protocol.MaxBatchSize {
		log.Fatalf("cashminer: size must be between 1 and %d, got %d", protocol.MaxBatchSize, size)
	}

	api, err := client.New(serverURL)
	if err != nil {
		log.Fatalf("cashminer: %v", err)
	}

	workers := pool.New(pool.DefaultCapacity())
	defer workers.Close()

	m, err := miner.New(miner.Config{
		Key:    key,
		Pool:   workers,
		Opener: puzzle.Mixin{},
		Client: api,
		Log:    logger,
	})
	if err != nil {
		log.Fatalf("cashminer: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = m.Run(ctx, miner.Options{
		Mode:     miner.Mode(mode),
		Size:     size,
		Minimum:  threshold,
		Receiver: target,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("cashminer: %v", err)
	}
}

func loadKey(keyHex, keystorePath, passphrase string) (*crypto.PrivateKey, error) {
	switch {
	case keyHex != "":
		return crypto.PrivateKeyFromHex(keyHex)
	case keystorePath != "":
		if _, err := os.Stat(keystorePath); err == nil {
			return crypto.LoadFromKeystore(keystorePath, passphrase)
		}
		key, err := crypto.GeneratePrivateKey()
		if err != nil {
			return nil, err
		}
		if err := crypto.SaveToKeystore(keystorePath, key, passphrase); err != nil {
			return nil, err
		}
		return key, nil
	default:
		return crypto.GeneratePrivateKey()
	}
}
