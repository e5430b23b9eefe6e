// Command rotate-keys re-seals every stored provider credential under the
// current encryption key. Run it after deploying with
// CREDENTIAL_ENCRYPTION_KEY set to the new key and
// CREDENTIAL_ENCRYPTION_KEY_PREVIOUS set to the one being retired; once it
// finishes cleanly the previous key can be dropped from the environment.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/revback/revback/pkg/audit"
	"github.com/revback/revback/pkg/config"
	"github.com/revback/revback/pkg/secrets"
	"github.com/revback/revback/pkg/store"
)

func main() {
	if err := run(); err != nil {
		slog.Error("rotate-keys failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if len(cfg.CredentialKeyPrevious) == 0 {
		return errors.New("CREDENTIAL_ENCRYPTION_KEY_PREVIOUS must be set to the key being rotated out")
	}
	log := slog.New(slog.NewTextHandler(os.Stdout, nil))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	box, err := secrets.NewBox(cfg.CredentialKey, cfg.CredentialKeyPrevious)
	if err != nil {
		return err
	}
	connections := store.NewConnectionStore(db)
	recorder := audit.NewRecorder(store.NewAuditStore(db), log)

	conns, err := connections.ListAll(ctx)
	if err != nil {
		return err
	}

	var rotated, failed int
	for _, conn := range conns {
		creds, err := box.ReEncrypt(conn.Credentials)
		if err != nil {
			log.Error("re-encrypt credentials", "connection", conn.ID, "source", conn.Source, "error", err)
			failed++
			continue
		}
		webhookSecret := conn.WebhookSecret
		if webhookSecret != nil && *webhookSecret != "" {
			sealed, err := box.ReEncrypt(*webhookSecret)
			if err != nil {
				log.Error("re-encrypt webhook secret", "connection", conn.ID, "source", conn.Source, "error", err)
				failed++
				continue
			}
			webhookSecret = &sealed
		}
		if err := connections.ReplaceSecrets(ctx, conn.ID, creds, webhookSecret); err != nil {
			log.Error("persist rotated secrets", "connection", conn.ID, "error", err)
			failed++
			continue
		}
		recorder.System(ctx, conn.OrgID, audit.ActionKeysRotated, "billing_connection", conn.ID,
			map[string]any{"source": conn.Source})
		rotated++
	}

	log.Info("rotation complete", "rotated", rotated, "failed", failed, "total", len(conns))
	if failed > 0 {
		return errors.New("some connections could not be rotated; previous key must be kept until they are fixed")
	}
	return nil
}
