// Command keygen provisions an ingress API key and prints it once.
// Only the argon2id hash reaches the database; the printed token is not
// recoverable afterwards.
package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"flag"
	"fmt"
	"log"

	httpserver "github.com/fairyhunter13/llm-job-broker/internal/adapter/httpserver"
	"github.com/fairyhunter13/llm-job-broker/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/llm-job-broker/internal/config"
	"github.com/fairyhunter13/llm-job-broker/internal/domain"
)

func main() {
	tenant := flag.String("tenant", "", "tenant id the key belongs to (required)")
	user := flag.String("user", "", "optional user id recorded on submissions")
	flag.Parse()
	if *tenant == "" {
		log.Fatal("missing -tenant")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	// The key id must stay underscore-free; the token splits on underscores.
	keyID, err := randomHex(8)
	if err != nil {
		log.Fatal(err)
	}
	secret, err := randomToken(24)
	if err != nil {
		log.Fatal(err)
	}
	hash, err := httpserver.HashSecret(secret, httpserver.DefaultArgon2Params)
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()

	repo := postgres.NewAPIKeyRepo(pool)
	if err := repo.Insert(ctx, domain.APIKey{
		KeyID:      keyID,
		TenantID:   *tenant,
		UserID:     *user,
		SecretHash: hash,
		Active:     true,
	}); err != nil {
		log.Fatal(err)
	}

	fmt.Printf("ljb_%s_%s\n", keyID, secret)
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
