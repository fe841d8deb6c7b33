package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var loginPassword string

func init() {
	loginCmd.Flags().StringVar(&loginPassword, "password", "", "Account password (defaults to $INSUREOPS_PASSWORD)")
	rootCmd.AddCommand(loginCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <email>",
	Short: "Sign in and store the session token",
	Long:  "Sign in to InsureOps with email and password and store the returned token in ~/.insureops/config.toml.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		email := args[0]

		password := loginPassword
		if password == "" {
			password = os.Getenv("INSUREOPS_PASSWORD")
		}
		if password == "" {
			return fmt.Errorf("password required: pass --password or set INSUREOPS_PASSWORD")
		}

		cfg, err := loadResolvedConfig()
		if err != nil {
			return err
		}
		cfg.Auth.Token = ""

		client, err := newClient(cfg, newLogger())
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		res, err := client.Auth.Login(ctx, email, password)
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}
		if res.Token == "" {
			return fmt.Errorf("login failed: response carried no token")
		}

		// Save against the file, not the env-overlaid view.
		stored, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		stored.Auth.Token = res.Token
		stored.Auth.Email = email
		if stored.Default.APIURL == "" {
			stored.Default.APIURL = client.BaseURL()
		}
		if err := saveConfig(stored); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Println("Login successful!")
		fmt.Printf("  Email: %s\n", valueOrDefault(res.User.Email, email))
		if res.User.Name != "" {
			fmt.Printf("  Name:  %s\n", res.User.Name)
		}
		if res.User.Role != "" {
			fmt.Printf("  Role:  %s\n", res.User.Role)
		}
		return nil
	},
}
