package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/keyhaven/keyhaven/internal/model"
	"github.com/keyhaven/keyhaven/internal/service"
	"github.com/keyhaven/keyhaven/internal/store"
)

func newKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "key",
		Aliases: []string{"apikey"},
		Short:   "Manage API keys",
		Long:    "Create, list, rotate, and revoke API keys on behalf of a user account.",
	}

	cmd.AddCommand(newKeyCreateCmd())
	cmd.AddCommand(newKeyListCmd())
	cmd.AddCommand(newKeyRotateCmd())
	cmd.AddCommand(newKeyRevokeCmd())

	return cmd
}

// cliKeyService opens the store and builds a KeyService with a quiet logger.
func cliKeyService() (*store.Store, *service.KeyService, error) {
	st, err := openStore()
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return st, newKeyService(st, logger), nil
}

// resolveUser finds the account the key operation acts on.
func resolveUser(ctx context.Context, st *store.Store, email string) (*model.User, error) {
	user, err := st.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return nil, fmt.Errorf("user %q not found", email)
	}
	return user, nil
}

// ---------- key create ----------

func newKeyCreateCmd() *cobra.Command {
	var (
		email   string
		name    string
		expires string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new API key",
		Long:  "Generate a new API key for a user. The plaintext key is shown once and cannot be retrieved again.",
		Example: `  keyhaven key create --user alice@example.com --name "CI pipeline"
  keyhaven key create --user alice@example.com --name staging --expires 720h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyCreate(email, name, expires)
		},
	}

	cmd.Flags().StringVar(&email, "user", "", "Email of the owning account (required)")
	cmd.Flags().StringVar(&name, "name", "", "Human-readable name for the key (required)")
	cmd.Flags().StringVar(&expires, "expires", "", "Optional lifetime as a duration, e.g. 720h")
	cmd.MarkFlagRequired("user")
	cmd.MarkFlagRequired("name")

	return cmd
}

func runKeyCreate(email, name, expires string) error {
	st, keys, err := cliKeyService()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	user, err := resolveUser(ctx, st, email)
	if err != nil {
		return err
	}

	var expiresAt *time.Time
	if expires != "" {
		d, err := time.ParseDuration(expires)
		if err != nil {
			return fmt.Errorf("invalid --expires duration: %w", err)
		}
		t := time.Now().UTC().Add(d)
		expiresAt = &t
	}

	created, err := keys.Create(ctx, user.ID, name, expiresAt)
	if err != nil {
		return fmt.Errorf("create api key: %w", err)
	}

	fmt.Println("API key created:")
	fmt.Println()
	fmt.Printf("  Key:   %s\n", created.Plaintext)
	fmt.Printf("  Name:  %s\n", created.Key.Name)
	fmt.Printf("  Owner: %s\n", user.Email)
	if created.Key.ExpiresAt != nil {
		fmt.Printf("  Expires: %s\n", created.Key.ExpiresAt.Format(time.RFC3339))
	}
	fmt.Println()
	fmt.Println("  Save this key now - it cannot be retrieved again.")
	return nil
}

// ---------- key list ----------

func newKeyListCmd() *cobra.Command {
	var (
		email      string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List a user's API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyList(email, jsonOutput)
		},
	}

	cmd.Flags().StringVar(&email, "user", "", "Email of the owning account (required)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.MarkFlagRequired("user")

	return cmd
}

func runKeyList(email string, jsonOutput bool) error {
	st, keys, err := cliKeyService()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	user, err := resolveUser(ctx, st, email)
	if err != nil {
		return err
	}

	list, err := keys.List(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("list api keys: %w", err)
	}

	type keyRow struct {
		ID     int64  `json:"id"`
		Prefix string `json:"prefix"`
		Name   string `json:"name"`
		Usage  int64  `json:"usage_count"`
		Active bool   `json:"active"`
	}

	rows := make([]keyRow, len(list))
	for i, k := range list {
		rows[i] = keyRow{
			ID:     k.ID,
			Prefix: k.KeyPrefix,
			Name:   k.Name,
			Usage:  k.UsageCount,
			Active: k.IsActive,
		}
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}

	if len(rows) == 0 {
		fmt.Println("No API keys for this user. Use 'keyhaven key create' to create one.")
		return nil
	}

	fmt.Printf("%-6s %-12s %-24s %-8s %-8s\n", "ID", "PREFIX", "NAME", "USAGE", "ACTIVE")
	fmt.Printf("%-6s %-12s %-24s %-8s %-8s\n", "--", "------", "----", "-----", "------")
	for _, k := range rows {
		active := "yes"
		if !k.Active {
			active = "no"
		}
		fmt.Printf("%-6d %-12s %-24s %-8d %-8s\n", k.ID, k.Prefix, k.Name, k.Usage, active)
	}

	return nil
}

// ---------- key rotate ----------

func newKeyRotateCmd() *cobra.Command {
	var email string

	cmd := &cobra.Command{
		Use:   "rotate <key-id>",
		Short: "Rotate an API key's secret",
		Long:  "Replace the key's secret in place. The old secret stops working immediately and the new plaintext is shown once.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyRotate(email, args[0])
		},
	}

	cmd.Flags().StringVar(&email, "user", "", "Email of the owning account (required)")
	cmd.MarkFlagRequired("user")

	return cmd
}

func runKeyRotate(email, idArg string) error {
	keyID, err := strconv.ParseInt(idArg, 10, 64)
	if err != nil || keyID <= 0 {
		return fmt.Errorf("invalid key ID %q", idArg)
	}

	st, keys, err := cliKeyService()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	user, err := resolveUser(ctx, st, email)
	if err != nil {
		return err
	}

	rotated, err := keys.Rotate(ctx, user.ID, keyID)
	if err != nil {
		return fmt.Errorf("rotate api key: %w", err)
	}

	fmt.Printf("Rotated key %d (%s):\n", rotated.Key.ID, rotated.Key.Name)
	fmt.Println()
	fmt.Printf("  New key: %s\n", rotated.Plaintext)
	fmt.Println()
	fmt.Println("  Save this key now - it cannot be retrieved again.")
	return nil
}

// ---------- key revoke ----------

func newKeyRevokeCmd() *cobra.Command {
	var email string

	cmd := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Long:  "Deactivate an API key, preventing any further authenticated requests using that key.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyRevoke(email, args[0])
		},
	}

	cmd.Flags().StringVar(&email, "user", "", "Email of the owning account (required)")
	cmd.MarkFlagRequired("user")

	return cmd
}

func runKeyRevoke(email, idArg string) error {
	keyID, err := strconv.ParseInt(idArg, 10, 64)
	if err != nil || keyID <= 0 {
		return fmt.Errorf("invalid key ID %q", idArg)
	}

	st, keys, err := cliKeyService()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	user, err := resolveUser(ctx, st, email)
	if err != nil {
		return err
	}

	if err := keys.ToggleActive(ctx, user.ID, keyID, false); err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}

	fmt.Printf("Revoked key %d\n", keyID)
	return nil
}
