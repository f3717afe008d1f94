package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rookdaemon/substrate/internal/relayserver"
)

func main() {
	root := &cobra.Command{
		Use:   "relayd",
		Short: "substrate agent shell peer relay server (L6)",
		RunE:  run,
	}
	root.Flags().String("addr", ":8444", "listen address")
	root.Flags().Float64("rate-limit", 60, "requests/minute per source address")
	root.Flags().Int("rate-burst", 10, "burst size for the per-address rate limiter")
	root.Flags().String("signing-key-hex", "", "hex-encoded Ed25519 private key for JWT signing (generated if empty)")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	rateLimit, _ := cmd.Flags().GetFloat64("rate-limit")
	rateBurst, _ := cmd.Flags().GetInt("rate-burst")
	signingKeyHex, _ := cmd.Flags().GetString("signing-key-hex")

	signingKey, err := resolveSigningKey(signingKeyHex)
	if err != nil {
		return fmt.Errorf("resolve signing key: %w", err)
	}

	srv := relayserver.NewServer(relayserver.Config{
		SigningKey: signingKey,
		RateLimit:  rateLimit,
		RateBurst:  rateBurst,
	})

	httpSrv := &http.Server{
		Addr:    addr,
		Handler: srv,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		fmt.Printf("relayd listening on %s\n", addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		fmt.Println("relayd: shutting down...")
		return httpSrv.Close()
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	}
	return nil
}

func resolveSigningKey(hexKey string) (ed25519.PrivateKey, error) {
	if hexKey == "" {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
		fmt.Printf("relayd: generated ephemeral signing key (pass --signing-key-hex=%s to reuse it across restarts)\n", hex.EncodeToString(priv))
		return priv, nil
	}
	b, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decode signing key hex: %w", err)
	}
	if len(b) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("signing key must be %d bytes, got %d", ed25519.PrivateKeySize, len(b))
	}
	return ed25519.PrivateKey(b), nil
}
