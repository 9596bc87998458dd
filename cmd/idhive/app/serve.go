// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/stacklok/idhive/pkg/api"
	"github.com/stacklok/idhive/pkg/api/admin"
	"github.com/stacklok/idhive/pkg/audit"
	idcrypto "github.com/stacklok/idhive/pkg/crypto"
	"github.com/stacklok/idhive/pkg/events"
	"github.com/stacklok/idhive/pkg/journey"
	"github.com/stacklok/idhive/pkg/journey/steps"
	"github.com/stacklok/idhive/pkg/keys"
	"github.com/stacklok/idhive/pkg/ldap"
	"github.com/stacklok/idhive/pkg/logger"
	"github.com/stacklok/idhive/pkg/networking"
	"github.com/stacklok/idhive/pkg/oidc"
	"github.com/stacklok/idhive/pkg/saml"
	"github.com/stacklok/idhive/pkg/scim"
	"github.com/stacklok/idhive/pkg/server"
	"github.com/stacklok/idhive/pkg/signing"
	"github.com/stacklok/idhive/pkg/storage"
	"github.com/stacklok/idhive/pkg/tenant"
	"github.com/stacklok/idhive/pkg/tokens"
)

// Environment variables carrying key material. Keys are never flags so
// they stay out of process listings.
const (
	envEncryptionKey = "IDHIVE_ENCRYPTION_KEY" // base64, 32 bytes: private-key encryption at rest
	envHandleSecret  = "IDHIVE_HANDLE_SECRET"  // base64, 32 bytes: opaque-handle HMAC
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the identity platform",
	Long: `Start the identity platform: the public server (OIDC, SAML, SCIM),
the admin API, and optionally the LDAP front-end.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("address", ":8080", "Public server listen address")
	serveCmd.Flags().String("admin-address", "127.0.0.1:8081", "Admin API listen address")
	serveCmd.Flags().String("admin-socket", "", "Serve the admin API on a UNIX socket path instead")
	serveCmd.Flags().String("issuer", "", "Platform issuer URI (e.g. https://login.example.com)")
	serveCmd.Flags().String("db", "", "SQLite DSN; empty runs on the in-memory store")
	serveCmd.Flags().String("ldap-address", "", "LDAP listen address; empty disables the directory front-end")
	serveCmd.Flags().String("ldap-base-dn", ldap.DefaultBaseDN, "LDAP directory suffix")
	serveCmd.Flags().String("ldap-tenant", "", "Tenant served by the LDAP front-end")
	serveCmd.Flags().Bool("saml-signed-responses", false, "Sign SAML responses in addition to assertions")
	serveCmd.Flags().String("audit-log", "", "Append audit records to this file; empty disables the audit trail")
	serveCmd.Flags().Bool("webhook-allow-private", false, "Allow webhook callouts to plain HTTP and private addresses (development only)")
	serveCmd.Flags().Duration("sweep-interval", 5*time.Minute, "Expired-row sweep interval (SQLite only)")
	serveCmd.Flags().Duration("rotation-interval", time.Hour, "Signing key rotation check interval")
	serveCmd.Flags().String("rotation-tenants", "", "Comma-separated tenant IDs covered by key rotation, besides platform keys")

	for _, flag := range []string{
		"address", "admin-address", "admin-socket", "issuer", "db",
		"ldap-address", "ldap-base-dn", "ldap-tenant", "saml-signed-responses",
		"audit-log", "webhook-allow-private",
		"sweep-interval", "rotation-interval", "rotation-tenants",
	} {
		if err := viper.BindPFlag(flag, serveCmd.Flags().Lookup(flag)); err != nil {
			logger.Fatalf("Failed to bind %s flag: %v", flag, err)
		}
	}
}

// keyFromEnv reads a base64 32-byte key from the environment, generating
// an ephemeral one with a warning when unset. Ephemeral keys mean secrets
// and handles do not survive a restart; fine for development only.
func keyFromEnv(name string) ([]byte, error) {
	if raw := os.Getenv(name); raw != "" {
		key, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("%s is not valid base64: %w", name, err)
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("%s must decode to 32 bytes, got %d", name, len(key))
		}
		return key, nil
	}
	logger.Warnw("generating ephemeral key; set the environment variable for production", "var", name)
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

func openStore(dsn string) (storage.Store, *storage.SQLiteStore, error) {
	if dsn == "" {
		logger.Infow("using in-memory store; data will not survive a restart")
		return storage.NewMemoryStore(), nil, nil
	}
	sqlite, err := storage.NewSQLiteStore(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open store: %w", err)
	}
	return sqlite, sqlite, nil
}

func runServe(_ *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	encKey, err := keyFromEnv(envEncryptionKey)
	if err != nil {
		return err
	}
	handleSecret, err := keyFromEnv(envHandleSecret)
	if err != nil {
		return err
	}

	store, sqlite, err := openStore(viper.GetString("db"))
	if err != nil {
		return err
	}
	defer store.Close()

	enc, err := idcrypto.NewAESGCMEncryptionService(encKey)
	if err != nil {
		return err
	}
	provider := keys.NewLocalProvider(enc)
	keyRegistry := keys.NewRegistry()
	keyRegistry.Register(provider)

	emitter := events.NewEmitter()
	metrics := server.NewMetrics()
	emitter.Register(metrics)

	if path := viper.GetString("audit-log"); path != "" {
		trail, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return fmt.Errorf("failed to open audit log: %w", err)
		}
		defer trail.Close()
		emitter.Register(audit.NewLogger(trail))
	}

	credentials := signing.NewCredentialStore(store, keyRegistry)
	rotator := signing.NewRotator(store, keyRegistry, credentials, emitter)

	handles, err := tokens.NewHandleIssuer(handleSecret)
	if err != nil {
		return err
	}
	tokenSvc := tokens.NewService(store, credentials, handles, emitter)

	evaluator, err := journey.NewEvaluator()
	if err != nil {
		return fmt.Errorf("failed to build condition evaluator: %w", err)
	}
	stepRegistry := journey.NewRegistry()
	stepRegistry.MustRegister(
		steps.NewLocalLogin(),
		steps.NewMfa(),
		steps.NewConsent(),
		steps.NewCollect(),
		steps.NewTransform(evaluator),
		steps.NewWebhook(),
		steps.NewBranchStep(evaluator),
		steps.NewWebAuthn(),
		steps.NewOidcFederation(),
		steps.NewLdap(steps.DefaultLdapDialer),
	)
	allowPrivate := viper.GetBool("webhook-allow-private")
	outbound := networking.NewOutboundClientBuilder().
		WithPrivateAddresses(allowPrivate).
		WithPlainHTTP(allowPrivate).
		Build()

	orchestrator := journey.NewOrchestrator(store, store, stepRegistry, evaluator, &journey.Capabilities{
		Users:      store,
		Roles:      store,
		Consents:   store,
		Resources:  store,
		Clients:    store,
		Events:     emitter,
		HTTPClient: outbound,
	}, emitter)

	resolver := tenant.NewResolver(&server.StoreDirectory{Store: store}, nil, viper.GetString("issuer"))

	var samlOpts []saml.Option
	if viper.GetBool("saml-signed-responses") {
		samlOpts = append(samlOpts, saml.WithSignedResponses())
	}
	publicSrv := server.New(store, resolver, metrics, server.Services{
		OIDC: oidc.NewService(store, tokenSvc, orchestrator, resolver, emitter).Router(),
		SAML: saml.NewService(store, credentials, orchestrator, resolver, emitter, samlOpts...).Router(),
		SCIM: scim.NewService(store).Router(),
	})
	adminSvc := admin.NewService(store, admin.WithCORSInvalidator(publicSrv.OriginCache().Invalidate))

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return publicSrv.ListenAndServe(ctx, viper.GetString("address"))
	})

	group.Go(func() error {
		address := viper.GetString("admin-address")
		isSocket := false
		if socket := viper.GetString("admin-socket"); socket != "" {
			address, isSocket = socket, true
		}
		return api.Serve(ctx, address, isSocket, adminSvc.Router())
	})

	if addr := viper.GetString("ldap-address"); addr != "" {
		ldapSrv := ldap.NewServer(store, viper.GetString("ldap-tenant"), viper.GetString("ldap-base-dn"))
		group.Go(func() error {
			return ldapSrv.ListenAndServe(addr)
		})
		group.Go(func() error {
			<-ctx.Done()
			return ldapSrv.Close()
		})
	}

	group.Go(func() error {
		listTenants := func(context.Context) ([]string, error) {
			tenants := []string{""}
			if extra := viper.GetString("rotation-tenants"); extra != "" {
				tenants = append(tenants, strings.Split(extra, ",")...)
			}
			return tenants, nil
		}
		rotator.Run(ctx, viper.GetDuration("rotation-interval"), listTenants)
		return nil
	})

	if sqlite != nil {
		group.Go(func() error {
			server.RunSweeper(ctx, sqlite, viper.GetDuration("sweep-interval"))
			return nil
		})
	}

	return group.Wait()
}
