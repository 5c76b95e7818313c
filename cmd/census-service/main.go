// Command census-service runs the off-chain identity & proof service: the
// registration coordinator, the Merkle commitment tree, the Groth16
// attestation verifier, and the HTTP surface over all of them.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"

	"github.com/rarimo/census-identity-service/internal/api"
	"github.com/rarimo/census-identity-service/internal/chainpublish"
	"github.com/rarimo/census-identity-service/internal/config"
	"github.com/rarimo/census-identity-service/internal/field"
	"github.com/rarimo/census-identity-service/internal/groth16verify"
	"github.com/rarimo/census-identity-service/internal/merkletree"
	"github.com/rarimo/census-identity-service/internal/metrics"
	"github.com/rarimo/census-identity-service/internal/nullifier"
	"github.com/rarimo/census-identity-service/internal/registration"
	"github.com/rarimo/census-identity-service/internal/storage"
)

func main() {
	policyPath := flag.String("policy", "", "path to an optional policy.yaml bootstrap file")
	dev := flag.Bool("dev", false, "run with relaxed (development) configuration validation")
	flag.Parse()

	cfg, err := config.Load(*policyPath)
	if err != nil {
		log.Fatalf("loading configuration: %v", err)
	}

	validateErr := cfg.Validate()
	if *dev {
		validateErr = cfg.ValidateForDevelopment()
	}
	if validateErr != nil {
		log.Fatalf("configuration: %v", validateErr)
	}

	adminSalt, err := hex.DecodeString(strings.TrimPrefix(cfg.AdminSaltHex, "0x"))
	if err != nil {
		log.Fatalf("decoding admin salt: %v", err)
	}

	store, err := storage.Open(cfg.DataDir)
	if err != nil {
		log.Fatalf("opening storage: %v", err)
	}
	defer store.Close()

	tree, err := merkletree.Restore(store.Leaves())
	if err != nil {
		log.Fatalf("restoring merkle tree: %v", err)
	}

	roots := groth16verify.NewRootWindow(cfg.RecentRootsWindow)
	roots.Push(tree.Root())

	apiMetrics, registry := metrics.New()

	var publishWorker *chainpublish.Worker
	if cfg.ChainRPCURL != "" && cfg.ChainProgramID != "" && cfg.AdminOperatorKeyHex != "" {
		publisher, err := chainpublish.New(cfg.ChainRPCURL, cfg.ChainProgramID, cfg.AdminOperatorKeyHex, cfg.ChainID,
			chainpublish.WithOutcomeHook(func(outcome string) {
				apiMetrics.ChainPublishTotal.WithLabelValues(outcome).Inc()
			}))
		if err != nil {
			log.Fatalf("configuring chain publisher: %v", err)
		}
		publishWorker = chainpublish.NewWorker(publisher, 64)
	}

	coordinatorOpts := []registration.Option{
		registration.WithAutoApprove(cfg.AdminOperatorKeyHex != ""),
		registration.WithOnCommit(func(root field.Element, leafCount uint64) {
			roots.Push(root)
			apiMetrics.TreeSize.Set(float64(leafCount))
			if publishWorker != nil {
				if !publishWorker.Enqueue(chainpublish.Job{Root: root, LeafCount: leafCount}) {
					log.Printf("[CensusService] chain-publish queue full, dropping root update for leafCount=%d", leafCount)
				}
			}
		}),
	}
	coordinator := registration.New(store, tree, adminSalt, cfg.RequestTtl, coordinatorOpts...)

	nullifierBook := nullifier.New(store)

	signerPrivate, err := loadOrGenerateSignerKey(cfg.SignerKeyPath)
	if err != nil {
		log.Fatalf("loading signer key: %v", err)
	}

	vk, err := loadVerifyingKey(cfg.VerificationKeyPath)
	if err != nil {
		log.Fatalf("loading verification key: %v", err)
	}

	currentScope := func() uint64 {
		return uint64(time.Now().Unix() / int64(cfg.ScopeDuration.Seconds()))
	}
	verifier := groth16verify.New(vk, roots, nullifierBook, signerPrivate, cfg.AttestationTtl, currentScope)

	adminKeys, err := parseAdminPublicKeys(cfg.AdminPublicKeysHex)
	if err != nil {
		log.Fatalf("parsing admin public keys: %v", err)
	}
	apiMetrics.TreeSize.Set(float64(tree.LeafCount()))

	server := api.New(coordinator, tree, store, verifier, adminKeys)

	stop := make(chan struct{})
	go coordinator.RunExpirySweep(stop, time.Minute)
	if publishWorker != nil {
		go publishWorker.Run(stop, 2*time.Minute)
	}

	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: server.Routes()}
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.Handler(registry)}

	go func() {
		log.Printf("[CensusService] API listening on %s", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()
	go func() {
		log.Printf("[CensusService] metrics listening on %s", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Printf("[CensusService] shutting down")
	close(stop)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("http server shutdown: %v", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("metrics server shutdown: %v", err)
	}
	log.Printf("[CensusService] stopped")
}

func loadVerifyingKey(path string) (groth16.VerifyingKey, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening verification key: %w", err)
	}
	defer f.Close()

	vk := groth16.NewVerifyingKey(ecc.BN254)
	if _, err := vk.ReadFrom(f); err != nil {
		return nil, fmt.Errorf("reading verification key: %w", err)
	}
	return vk, nil
}

// loadOrGenerateSignerKey loads a persisted 64-byte Ed25519 private key
// from path, generating and persisting a fresh one if none exists yet.
func loadOrGenerateSignerKey(path string) (ed25519.PrivateKey, error) {
	if raw, err := os.ReadFile(path); err == nil {
		if len(raw) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("signer key at %s has unexpected length %d", path, len(raw))
		}
		return ed25519.PrivateKey(raw), nil
	}

	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("generating signer key: %w", err)
	}
	if err := os.WriteFile(path, priv, 0o600); err != nil {
		return nil, fmt.Errorf("persisting signer key: %w", err)
	}
	return priv, nil
}

func parseAdminPublicKeys(hexKeys []string) ([]ed25519.PublicKey, error) {
	keys := make([]ed25519.PublicKey, 0, len(hexKeys))
	for _, h := range hexKeys {
		raw, err := hex.DecodeString(strings.TrimPrefix(h, "0x"))
		if err != nil {
			return nil, fmt.Errorf("decoding admin public key %q: %w", h, err)
		}
		if len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("admin public key %q has unexpected length %d", h, len(raw))
		}
		keys = append(keys, ed25519.PublicKey(raw))
	}
	return keys, nil
}
