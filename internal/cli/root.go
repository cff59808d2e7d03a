// Package cli implements the k7 command line interface on top of the Go SDK.
package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/spullara/k7/pkg/client"
)

const defaultAPIServer = "http://localhost:8264/api/v1"

var (
	cfgFile   string
	apiServer string
	apiKey    string
	nsFlag    string
	timeout   time.Duration
	verbose   bool
)

var rootCmd = &cobra.Command{
	Use:   "k7",
	Short: "k7 - VM-isolated sandboxes on Kubernetes",
	Long: `k7 manages hardware-isolated sandboxes on a Kubernetes cluster.

Each sandbox runs in its own lightweight VM with denied ingress, an optional
egress whitelist, and resource limits. The CLI talks to the k7 daemon.`,
	Version:       "dev",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute(version, commit, date string) error {
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built at: %s)", version, commit, date)
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file path (default: ~/.config/k7/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&apiServer, "api-server", "s", defaultAPIServer, "Daemon address")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "API key (also api-key in the config file or K7_API_KEY)")
	rootCmd.PersistentFlags().StringVarP(&nsFlag, "namespace", "n", "", "Sandbox namespace (daemon default when empty)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 90*time.Second, "Request timeout")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")

	viper.BindPFlag("api-server", rootCmd.PersistentFlags().Lookup("api-server"))
	viper.BindPFlag("api-key", rootCmd.PersistentFlags().Lookup("api-key"))
	viper.BindPFlag("namespace", rootCmd.PersistentFlags().Lookup("namespace"))
	viper.BindPFlag("timeout", rootCmd.PersistentFlags().Lookup("timeout"))
	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

// initConfig reads the config file and K7_* environment variables.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home + "/.config/k7")
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("K7")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil && verbose {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// getAPIClient builds an SDK client from the resolved configuration.
func getAPIClient() *client.Client {
	url := viper.GetString("api-server")
	if url == "" {
		url = defaultAPIServer
	}

	reqTimeout := viper.GetDuration("timeout")
	if reqTimeout == 0 {
		reqTimeout = 90 * time.Second
	}

	opts := []client.Option{client.WithTimeout(reqTimeout)}
	if key := viper.GetString("api-key"); key != "" {
		opts = append(opts, client.WithAPIKey(key))
	}

	return client.NewClient(url, opts...)
}

// getContext returns a context bounded by the request timeout.
func getContext() (context.Context, context.CancelFunc) {
	reqTimeout := viper.GetDuration("timeout")
	if reqTimeout == 0 {
		reqTimeout = 90 * time.Second
	}
	return context.WithTimeout(context.Background(), reqTimeout)
}

// getNamespace returns the namespace the user addressed, empty for the
// daemon's default.
func getNamespace() string {
	return viper.GetString("namespace")
}
