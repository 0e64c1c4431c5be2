package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"

	"github.com/keyhaven/keyhaven/internal/model"
)

func newUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage user accounts",
		Long:  "Create, list, and deactivate the accounts that own API keys.",
	}

	cmd.AddCommand(newUserCreateCmd())
	cmd.AddCommand(newUserListCmd())
	cmd.AddCommand(newUserDeactivateCmd())

	return cmd
}

// ---------- user create ----------

func newUserCreateCmd() *cobra.Command {
	var (
		email    string
		password string
		name     string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new user account",
		Example: `  keyhaven user create --email alice@example.com --password secret
  keyhaven user create --email alice@example.com  # prompts for password`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUserCreate(email, password, name)
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "Email address (required)")
	cmd.Flags().StringVar(&password, "password", "", "Password (prompted if omitted)")
	cmd.Flags().StringVar(&name, "name", "", "Display name")
	cmd.MarkFlagRequired("email")

	return cmd
}

func runUserCreate(email, password, name string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	if !strings.Contains(email, "@") {
		return fmt.Errorf("invalid email address: %q", email)
	}

	// Prompt for password if not provided
	if password == "" {
		fmt.Print("Password: ")
		pwBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		if err != nil {
			return fmt.Errorf("failed to read password: %w", err)
		}
		fmt.Println()
		password = string(pwBytes)

		fmt.Print("Confirm password: ")
		confirmBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		if err != nil {
			return fmt.Errorf("failed to read confirmation: %w", err)
		}
		fmt.Println()

		if password != string(confirmBytes) {
			return fmt.Errorf("passwords do not match")
		}
	}

	if len(password) < 8 {
		return fmt.Errorf("password must be at least 8 characters")
	}

	st, err := openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	hash, err := bcrypt.GenerateFromPassword([]byte(password), 12)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	user := &model.User{
		Email:        email,
		PasswordHash: string(hash),
		Name:         name,
		IsActive:     true,
	}
	if err := st.CreateUser(context.Background(), user); err != nil {
		return fmt.Errorf("create user: %w", err)
	}

	fmt.Printf("Created user %q (ID %d)\n", email, user.ID)
	return nil
}

// ---------- user list ----------

func newUserListCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List all user accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUserList(jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runUserList(jsonOutput bool) error {
	st, err := openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	users, err := st.ListUsers(context.Background())
	if err != nil {
		return fmt.Errorf("list users: %w", err)
	}

	type userRow struct {
		ID     int64  `json:"id"`
		Email  string `json:"email"`
		Name   string `json:"name"`
		Active bool   `json:"active"`
	}

	rows := make([]userRow, len(users))
	for i, u := range users {
		rows[i] = userRow{ID: u.ID, Email: u.Email, Name: u.Name, Active: u.IsActive}
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}

	if len(rows) == 0 {
		fmt.Println("No user accounts. Use 'keyhaven user create' to create one.")
		return nil
	}

	fmt.Printf("%-6s %-30s %-24s %-8s\n", "ID", "EMAIL", "NAME", "ACTIVE")
	fmt.Printf("%-6s %-30s %-24s %-8s\n", "--", "-----", "----", "------")
	for _, u := range rows {
		active := "yes"
		if !u.Active {
			active = "no"
		}
		fmt.Printf("%-6d %-30s %-24s %-8s\n", u.ID, u.Email, u.Name, active)
	}

	return nil
}

// ---------- user deactivate ----------

func newUserDeactivateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deactivate <email>",
		Short: "Deactivate a user account",
		Long:  "Block logins for an account. Its API keys stop validating only if individually deactivated.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUserDeactivate(args[0])
		},
	}

	return cmd
}

func runUserDeactivate(email string) error {
	st, err := openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx := context.Background()
	user, err := st.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return fmt.Errorf("user %q not found", email)
	}

	if err := st.SetUserActive(ctx, user.ID, false); err != nil {
		return fmt.Errorf("deactivate user: %w", err)
	}

	fmt.Printf("Deactivated user %q\n", user.Email)
	return nil
}
