// ABOUTME: API key commands: issue a key with an optional policy file, list keys, revoke a key
// ABOUTME: Operates directly on the hub database named in the config file

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"gopkg.in/yaml.v3"

	"github.com/2389/probehub/internal/auth"
	"github.com/2389/probehub/internal/config"
	"github.com/2389/probehub/internal/policy"
	"github.com/2389/probehub/internal/store"
)

// tokenArgs holds the parsed flags of the token command.
type tokenArgs struct {
	name       string
	keyType    store.KeyType
	policyPath string
	expiresIn  time.Duration
	save       bool
}

// parseTokenArgs supports both "--flag value" and "--flag=value".
func parseTokenArgs(args []string) (tokenArgs, error) {
	out := tokenArgs{keyType: store.KeyTypeClient}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--save" {
			out.save = true
			continue
		}
		if !strings.HasPrefix(arg, "-") {
			return out, fmt.Errorf("unexpected argument: %s", arg)
		}

		flagName, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if !hasValue {
			if i+1 >= len(args) {
				return out, fmt.Errorf("%s requires a value", arg)
			}
			value = args[i+1]
			i++
		}

		switch flagName {
		case "name", "n":
			out.name = strings.TrimSpace(value)
		case "type", "t":
			out.keyType = store.KeyType(value)
		case "policy", "p":
			out.policyPath = value
		case "expires", "e":
			d, err := parseExpiry(value)
			if err != nil {
				return out, err
			}
			out.expiresIn = d
		default:
			return out, fmt.Errorf("unknown flag: %s", arg)
		}
	}

	if out.name == "" {
		return out, fmt.Errorf("--name flag is required")
	}
	if len(out.name) > 100 {
		return out, fmt.Errorf("key name exceeds maximum length of 100 characters")
	}
	if !out.keyType.Valid() {
		return out, fmt.Errorf("invalid key type %q (want client, agent or admin)", out.keyType)
	}
	return out, nil
}

// parseExpiry accepts Go durations plus a whole-day form such as "30d".
// "0" and "never" mean the token does not expire.
func parseExpiry(s string) (time.Duration, error) {
	switch s {
	case "", "0", "never":
		return 0, nil
	}
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid expiry %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid expiry %q", s)
	}
	return d, nil
}

// loadPolicyFile reads a policy from YAML (.yaml, .yml) or JSON.
func loadPolicyFile(path string) (*policy.Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var p policy.Policy
		if err := yaml.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode policy: %w", err)
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		return &p, nil
	default:
		return policy.Parse(string(data))
	}
}

// openKeyStore loads the config and opens the database it names.
func openKeyStore() (*config.Config, *store.SQLiteStore, error) {
	cfg, err := config.Load(config.Path())
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}
	return cfg, s, nil
}

func runToken(ctx context.Context, args []string) error {
	parsed, err := parseTokenArgs(args)
	if err != nil {
		return err
	}

	var pol *policy.Policy
	if parsed.policyPath != "" {
		if pol, err = loadPolicyFile(parsed.policyPath); err != nil {
			return err
		}
	}

	cfg, s, err := openKeyStore()
	if err != nil {
		return err
	}
	defer s.Close()

	if !cfg.Auth.Enabled() {
		return fmt.Errorf("jwt_secret not configured in %s (required to sign tokens)", config.Path())
	}
	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}

	key, token, err := auth.IssueKey(ctx, s, verifier, auth.IssueRequest{
		Name:      parsed.name,
		Type:      parsed.keyType,
		Policy:    pol,
		ExpiresIn: parsed.expiresIn,
	})
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)

	green.Printf("  ✓ Issued %s key: %s\n", key.Type, key.Name)
	fmt.Printf("  ID:      %s\n", key.ID)
	if pol.IsEmpty() {
		fmt.Printf("  Policy:  unrestricted\n")
	} else {
		fmt.Printf("  Policy:  %s\n", parsed.policyPath)
	}
	if parsed.expiresIn > 0 {
		fmt.Printf("  Expires: %s\n", time.Now().Add(parsed.expiresIn).UTC().Format("Jan 02, 2006"))
	}

	if parsed.save {
		path := tokenPath()
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
		if err := os.WriteFile(path, []byte(token), 0o600); err != nil {
			return fmt.Errorf("writing token file: %w", err)
		}
		green.Printf("  ✓ Saved token: %s\n", path)
		return nil
	}

	fmt.Println()
	cyan.Println("  Token (shown once):")
	fmt.Println(token)
	return nil
}

func runKeys(ctx context.Context) error {
	_, s, err := openKeyStore()
	if err != nil {
		return err
	}
	defer s.Close()

	keys, err := s.ListAPIKeys(ctx)
	if err != nil {
		return fmt.Errorf("listing keys: %w", err)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tTYPE\tCREATED\tSTATUS")
	for _, k := range keys {
		status := "active"
		if k.Revoked() {
			status = "revoked"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", k.ID, k.Name, k.Type, k.CreatedAt.Format(time.DateOnly), status)
	}
	return tw.Flush()
}

func runRevoke(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: probehub revoke KEY_ID")
	}

	_, s, err := openKeyStore()
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.RevokeAPIKey(ctx, args[0]); err != nil {
		return fmt.Errorf("revoking key: %w", err)
	}
	color.New(color.FgGreen).Printf("  ✓ Revoked %s\n", args[0])
	return nil
}
