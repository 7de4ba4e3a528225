package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"runtime"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gantrylabs/gantry/pkg/blob"
	"github.com/gantrylabs/gantry/pkg/config"
	"github.com/gantrylabs/gantry/pkg/secrets"
	"github.com/gantrylabs/gantry/pkg/store"
)

type checkResult struct {
	Name   string `json:"name"`
	Status string `json:"status"` // "ok", "warn", "fail"
	Detail string `json:"detail,omitempty"`
}

// runDoctor probes the configured backends and reports readiness.
//
// Exit codes:
//
//	0 = no check failed (warnings allowed)
//	1 = one or more checks failed
func runDoctor(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	fs.SetOutput(stderr)
	jsonOut := fs.Bool("json", false, "emit check results as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg := config.Load()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var results []checkResult
	allOK := true
	add := func(r checkResult) {
		results = append(results, r)
		if r.Status == "fail" {
			allOK = false
		}
	}

	add(checkResult{
		Name:   "go_runtime",
		Status: "ok",
		Detail: fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH),
	})

	db, err := store.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		add(checkResult{Name: "database", Status: "fail", Detail: err.Error()})
	} else {
		defer db.Close()
		if err := db.PingContext(ctx); err != nil {
			add(checkResult{Name: "database", Status: "fail", Detail: err.Error()})
		} else {
			add(checkResult{Name: "database", Status: "ok", Detail: cfg.DatabaseDriver})
			exists, err := db.TableExists(ctx, "policies")
			switch {
			case err != nil:
				add(checkResult{Name: "schema", Status: "warn", Detail: err.Error()})
			case !exists:
				add(checkResult{Name: "schema", Status: "warn", Detail: "policies table missing, run `gantry migrate`"})
			default:
				add(checkResult{Name: "schema", Status: "ok", Detail: "migrated"})
			}
		}
	}

	if cfg.RedisURL == "" {
		add(checkResult{Name: "redis", Status: "warn", Detail: "REDIS_URL not set; jobs run inline, locks are in-process"})
	} else if opt, err := redis.ParseURL(cfg.RedisURL); err != nil {
		add(checkResult{Name: "redis", Status: "fail", Detail: err.Error()})
	} else {
		client := redis.NewClient(opt)
		if err := client.Ping(ctx).Err(); err != nil {
			add(checkResult{Name: "redis", Status: "fail", Detail: err.Error()})
		} else {
			add(checkResult{Name: "redis", Status: "ok", Detail: opt.Addr})
		}
		_ = client.Close()
	}

	if _, err := blob.New(ctx, blob.Config{Backend: cfg.BlobBackend, FSRoot: cfg.BlobFSRoot, Bucket: cfg.BlobBucket}); err != nil {
		add(checkResult{Name: "blob_store", Status: "fail", Detail: err.Error()})
	} else {
		add(checkResult{Name: "blob_store", Status: "ok", Detail: cfg.BlobBackend})
	}

	if cfg.SecretsMasterKey == "" {
		add(checkResult{Name: "secrets", Status: "warn", Detail: "SECRETS_MASTER_KEY not set; only env: refs resolve"})
	} else if keyring, err := secrets.NewKeyring(cfg.SecretsMasterKey); err != nil {
		add(checkResult{Name: "secrets", Status: "fail", Detail: err.Error()})
	} else if _, err := secrets.NewFileResolver(cfg.SecretsDir, keyring); err != nil {
		add(checkResult{Name: "secrets", Status: "fail", Detail: err.Error()})
	} else {
		add(checkResult{Name: "secrets", Status: "ok", Detail: cfg.SecretsDir})
	}

	if cfg.EmbeddingProvider == "none" || cfg.EmbeddingProvider == "" {
		add(checkResult{Name: "embeddings", Status: "warn", Detail: "EMBEDDING_PROVIDER=none, semantic linking and chunk indexing are off"})
	} else {
		add(checkResult{Name: "embeddings", Status: "ok", Detail: fmt.Sprintf("%s dims=%d", cfg.EmbeddingProvider, cfg.EmbeddingDimensions)})
	}

	if *jsonOut {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(results)
	} else {
		fmt.Fprintf(stdout, "\n%sGantry Doctor%s\n", colorBold+colorCyan, colorReset)
		fmt.Fprintln(stdout, "─────────────")
		for _, r := range results {
			icon := "✅"
			if r.Status == "warn" {
				icon = "⚠️ "
			} else if r.Status == "fail" {
				icon = "❌"
			}
			fmt.Fprintf(stdout, "  %s  %-12s %s\n", icon, r.Name, r.Detail)
		}
		if allOK {
			fmt.Fprintf(stdout, "\n%sAll checks passed.%s\n", colorGreen+colorBold, colorReset)
		}
	}

	if allOK {
		return 0
	}
	return 1
}
