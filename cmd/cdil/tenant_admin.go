package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/attestra/cdil/pkg/config"
	"github.com/attestra/cdil/pkg/keyring"
	"github.com/attestra/cdil/pkg/ledger"
	"github.com/attestra/cdil/pkg/store"
)

// cliActor identifies operator commands on the audit chain.
const cliActor = "cli"

// runCreateTenantCmd implements `cdil create-tenant`.
//
// Creates the tenant row with its retention policy, provisions the first
// signing key, and appends a tenant_created audit event. The retention
// profile comes from the configured profiles directory; without --profile
// the built-in default applies.
//
// Exit codes:
//
//	0 = tenant created
//	1 = tenant already exists
//	2 = configuration or store error
func runCreateTenantCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("create-tenant", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		tenantID string
		profile  string
	)
	cmd.StringVar(&tenantID, "tenant", "", "Tenant id (REQUIRED)")
	cmd.StringVar(&profile, "profile", "", "Retention profile code (default: built-in default profile)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if tenantID == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --tenant is required")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	retention := config.DefaultRetentionProfile()
	if profile != "" {
		retention, err = config.LoadProfile(cfg.ProfilesDir, profile)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
	}
	policyJSON, err := retention.PolicyJSON()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	st, keys, code := openAdminStore(cfg, stderr)
	if code != 0 {
		return code
	}
	defer st.Close()

	ctx := context.Background()
	err = st.CreateTenant(ctx, store.Tenant{
		TenantID:            tenantID,
		Status:              store.TenantStatusActive,
		RetentionPolicyJSON: policyJSON,
		CreatedAt:           store.UTCMicro(time.Now()),
	})
	if errors.Is(err, store.ErrDuplicate) {
		_, _ = fmt.Fprintf(stderr, "Error: tenant %q already exists\n", tenantID)
		return 1
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	key, err := keys.EnsureKey(ctx, tenantID)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	_, err = ledger.NewWriter(st).Append(ctx, ledger.Entry{
		TenantID:   tenantID,
		ObjectType: ledger.ObjectTypeTenant,
		ObjectID:   tenantID,
		Action:     ledger.ActionTenantCreated,
		Payload: map[string]any{
			"retention_profile": retention.Code,
			"max_days":          retention.MaxDays,
			"initial_key_id":    key.KeyID,
		},
		ActorID: cliActor,
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	_, _ = fmt.Fprintf(stdout, "Tenant created: %s\n", tenantID)
	_, _ = fmt.Fprintf(stdout, "Retention:      %s (%d days)\n", retention.Code, retention.MaxDays)
	_, _ = fmt.Fprintf(stdout, "Signing key:    %s\n", key.KeyID)
	return 0
}

// runRotateKeyCmd implements `cdil rotate-key`.
//
// Atomically retires the tenant's active signing key, creates a new one,
// and appends a key_rotated audit event. Certificates signed by the old
// key stay verifiable through KeyByID.
//
// Exit codes:
//
//	0 = key rotated
//	1 = unknown tenant
//	2 = configuration or store error
func runRotateKeyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("rotate-key", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var tenantID string
	cmd.StringVar(&tenantID, "tenant", "", "Tenant id (REQUIRED)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if tenantID == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --tenant is required")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	st, keys, code := openAdminStore(cfg, stderr)
	if code != 0 {
		return code
	}
	defer st.Close()

	ctx := context.Background()
	if _, err := st.Tenant(ctx, tenantID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			_, _ = fmt.Fprintf(stderr, "Error: unknown tenant %q\n", tenantID)
			return 1
		}
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	res, err := keys.Rotate(ctx, tenantID)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	_, err = ledger.NewWriter(st).Append(ctx, ledger.Entry{
		TenantID:   tenantID,
		ObjectType: ledger.ObjectTypeTenantKey,
		ObjectID:   res.NewKeyID,
		Action:     ledger.ActionKeyRotated,
		Payload: map[string]any{
			"new_key_id":        res.NewKeyID,
			"superseded_key_id": res.SupersededKeyID,
		},
		ActorID: cliActor,
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	_, _ = fmt.Fprintf(stdout, "Key rotated for tenant %s\n", tenantID)
	_, _ = fmt.Fprintf(stdout, "New key:        %s\n", res.NewKeyID)
	if res.SupersededKeyID != "" {
		_, _ = fmt.Fprintf(stdout, "Superseded key: %s\n", res.SupersededKeyID)
	}
	return 0
}

// openAdminStore opens the store with an initialized schema and a key
// registry for commands that manage tenants and keys. A non-zero third
// return is the exit code to propagate.
func openAdminStore(cfg *config.Config, stderr io.Writer) (store.Store, *keyring.Registry, int) {
	keywrap, err := cfg.KeywrapKey()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return nil, nil, 2
	}
	sealer, err := keyring.NewAESSealer(keywrap)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return nil, nil, 2
	}
	st, err := openStore(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return nil, nil, 2
	}
	if err := st.Init(context.Background()); err != nil {
		_ = st.Close()
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return nil, nil, 2
	}
	return st, keyring.NewRegistry(st, sealer), 0
}
