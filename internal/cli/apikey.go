package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/spullara/k7/internal/cli/output"
)

var apikeyCmd = &cobra.Command{
	Use:   "apikey",
	Short: "Manage daemon API keys",
	Long:  `Generate, list, and revoke API keys for the k7 daemon.`,
}

var apikeyExpiresFlag int

var apikeyGenerateCmd = &cobra.Command{
	Use:   "generate <name>",
	Short: "Generate a new API key",
	Long: `Generate a new API key. The plaintext key is printed exactly once;
the daemon stores only a hash of it.`,
	Args: cobra.ExactArgs(1),
	Example: `  k7 apikey generate ci --expires-days 90

  # Store it for this CLI
  k7 apikey generate laptop | tail -1 >> ~/.config/k7/config.yaml`,
	RunE: runAPIKeyGenerate,
}

var apikeyListCmd = &cobra.Command{
	Use:     "list",
	Short:   "List API keys",
	Example: `  k7 apikey list`,
	RunE:    runAPIKeyList,
}

var apikeyRevokeCmd = &cobra.Command{
	Use:     "revoke <id>",
	Short:   "Revoke an API key",
	Args:    cobra.ExactArgs(1),
	Example: `  k7 apikey revoke 1f3b9c2a`,
	RunE:    runAPIKeyRevoke,
}

func init() {
	apikeyGenerateCmd.Flags().IntVar(&apikeyExpiresFlag, "expires-days", 0, "Days until the key expires (daemon default when 0)")
	apikeyCmd.AddCommand(apikeyGenerateCmd)

	apikeyListCmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "Output format (table, json, yaml)")
	apikeyCmd.AddCommand(apikeyListCmd)

	apikeyCmd.AddCommand(apikeyRevokeCmd)
	rootCmd.AddCommand(apikeyCmd)
}

func runAPIKeyGenerate(cmd *cobra.Command, args []string) error {
	c := getAPIClient()
	ctx, cancel := getContext()
	defer cancel()

	resp, err := c.APIKeys.Generate(ctx, args[0], apikeyExpiresFlag)
	if err != nil {
		return err
	}

	fmt.Printf("Generated API key %q (id %s, expires %s)\n", resp.Name, resp.ID, resp.ExpiresAt.Format(time.RFC3339))
	fmt.Println("Store it now; it will not be shown again:")
	fmt.Printf("api-key: %s\n", resp.Key)
	return nil
}

func runAPIKeyList(cmd *cobra.Command, args []string) error {
	c := getAPIClient()
	ctx, cancel := getContext()
	defer cancel()

	items, err := c.APIKeys.List(ctx)
	if err != nil {
		return err
	}

	format := output.ParseFormat(outputFormat)
	var formatter output.Formatter
	if format == output.FormatTable {
		formatter = output.NewTableFormatter([]string{"id", "name", "created_at", "expires_at", "last_used_at"})
	} else {
		formatter = output.NewFormatter(format)
	}
	return formatter.Write(cmd.OutOrStdout(), items)
}

func runAPIKeyRevoke(cmd *cobra.Command, args []string) error {
	c := getAPIClient()
	ctx, cancel := getContext()
	defer cancel()

	if err := c.APIKeys.Revoke(ctx, args[0]); err != nil {
		return err
	}

	fmt.Printf("Revoked API key: %s\n", args[0])
	return nil
}
