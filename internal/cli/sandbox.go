package cli

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/spullara/k7/internal/cli/output"
	"github.com/spullara/k7/pkg/model"
)

var outputFormat string

var (
	specFileFlag         string
	imageFlag            string
	envFlag              []string
	envFileFlag          string
	egressFlag           []string
	limitCPUFlag         string
	limitMemoryFlag      string
	limitEphemeralFlag   string
	beforeScriptFlag     string
	podNonRootFlag       bool
	containerNonRootFlag bool
	capDropFlag          []string
	capAddFlag           []string
	waitFlag             bool
	quietFlag            bool
)

var createCmd = &cobra.Command{
	Use:   "create [name]",
	Short: "Create a sandbox",
	Long: `Create a sandbox from flags or from a spec file.

Flags override values from the spec file. The sandbox is accepted
asynchronously; pass --wait to block until it is Running.`,
	Args: cobra.MaximumNArgs(1),
	Example: `  # Create from flags
  k7 create demo --image alpine:3.20 --limit-cpu 500m --limit-memory 256Mi

  # Lock egress down to two networks
  k7 create demo --image alpine:3.20 --egress 10.0.0.0/8 --egress 192.168.1.0/24

  # Create from a spec file and wait for readiness
  k7 create -f sandbox.yaml --wait`,
	RunE: runCreate,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List sandboxes",
	Example: `  # List sandboxes in the default namespace
  k7 list

  # List as JSON
  k7 list -n tenants -o json`,
	RunE: runList,
}

var getCmd = &cobra.Command{
	Use:     "get <name>",
	Short:   "Show one sandbox",
	Args:    cobra.ExactArgs(1),
	Example: `  k7 get demo -o yaml`,
	RunE:    runGet,
}

var deleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a sandbox",
	Args:  cobra.ExactArgs(1),
	Example: `  # Delete with confirmation
  k7 delete demo

  # Skip the prompt
  k7 delete demo --force`,
	RunE: runDelete,
}

var deleteAllCmd = &cobra.Command{
	Use:   "delete-all",
	Short: "Delete every sandbox in the namespace",
	Example: `  # Refuses without --yes
  k7 delete-all -n tenants --yes`,
	RunE: runDeleteAll,
}

var (
	execTimeoutFlag int
	exitCodeFlag    bool
)

var execCmd = &cobra.Command{
	Use:   "exec <name> -- <command> [args...]",
	Short: "Run a command in a sandbox",
	Long:  `Run a command to completion inside the sandbox via sh -c and print its output.`,
	Args:  cobra.MinimumNArgs(2),
	Example: `  k7 exec demo -- uname -a

  # Longer budget for slow commands
  k7 exec demo --timeout 300 -- apk add build-base`,
	RunE: runExec,
}

var (
	logsTailFlag   int
	logsEventsFlag bool
)

var logsCmd = &cobra.Command{
	Use:   "logs <name>",
	Short: "Fetch sandbox logs",
	Args:  cobra.ExactArgs(1),
	Example: `  k7 logs demo --tail 50

  # Include pod events, useful while a sandbox is failing to start
  k7 logs demo --events`,
	RunE: runLogs,
}

var topCmd = &cobra.Command{
	Use:     "top",
	Short:   "Show live resource usage",
	Example: `  k7 top -n tenants`,
	RunE:    runTop,
}

var historyLimitFlag int

var historyCmd = &cobra.Command{
	Use:     "history <name>",
	Short:   "Show a sandbox's status transitions",
	Args:    cobra.ExactArgs(1),
	Example: `  k7 history demo`,
	RunE:    runHistory,
}

func init() {
	createCmd.Flags().StringVarP(&specFileFlag, "file", "f", "", "Spec file (YAML)")
	createCmd.Flags().StringVar(&imageFlag, "image", "", "Container image")
	createCmd.Flags().StringSliceVar(&envFlag, "env", nil, "Environment variables (KEY=VALUE)")
	createCmd.Flags().StringVar(&envFileFlag, "env-file", "", "Read environment variables from a KEY=VALUE file")
	createCmd.Flags().StringSliceVar(&egressFlag, "egress", nil, "Egress whitelist CIDR (repeatable; empty leaves egress open)")
	createCmd.Flags().StringVar(&limitCPUFlag, "limit-cpu", "", "CPU limit, e.g. 500m")
	createCmd.Flags().StringVar(&limitMemoryFlag, "limit-memory", "", "Memory limit, e.g. 512Mi")
	createCmd.Flags().StringVar(&limitEphemeralFlag, "limit-ephemeral-storage", "", "Ephemeral storage limit, e.g. 2Gi")
	createCmd.Flags().StringVar(&beforeScriptFlag, "before-script", "", "Script that must finish before the sandbox is Running")
	createCmd.Flags().BoolVar(&podNonRootFlag, "pod-non-root", false, "Run the pod as non-root")
	createCmd.Flags().BoolVar(&containerNonRootFlag, "container-non-root", false, "Run the container as non-root")
	createCmd.Flags().StringSliceVar(&capDropFlag, "cap-drop", nil, "Linux capability to drop (repeatable)")
	createCmd.Flags().StringSliceVar(&capAddFlag, "cap-add", nil, "Linux capability to add (repeatable)")
	createCmd.Flags().BoolVar(&waitFlag, "wait", false, "Wait until the sandbox is Running")
	createCmd.Flags().BoolVarP(&quietFlag, "quiet", "q", false, "Only print the sandbox name")
	rootCmd.AddCommand(createCmd)

	listCmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "Output format (table, json, yaml)")
	rootCmd.AddCommand(listCmd)

	getCmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "Output format (table, json, yaml)")
	rootCmd.AddCommand(getCmd)

	deleteCmd.Flags().BoolP("force", "f", false, "Skip confirmation")
	rootCmd.AddCommand(deleteCmd)

	deleteAllCmd.Flags().Bool("yes", false, "Confirm the namespace-wide teardown")
	rootCmd.AddCommand(deleteAllCmd)

	execCmd.Flags().IntVar(&execTimeoutFlag, "timeout", 0, "Execution timeout in seconds (daemon default when 0)")
	execCmd.Flags().BoolVar(&exitCodeFlag, "exit-code", false, "Exit with the remote command's exit code")
	rootCmd.AddCommand(execCmd)

	logsCmd.Flags().IntVar(&logsTailFlag, "tail", 0, "Number of trailing lines (everything when 0)")
	logsCmd.Flags().BoolVar(&logsEventsFlag, "events", false, "Show pod events")
	rootCmd.AddCommand(logsCmd)

	topCmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "Output format (table, json, yaml)")
	rootCmd.AddCommand(topCmd)

	historyCmd.Flags().IntVar(&historyLimitFlag, "limit", 0, "Number of transitions to show (daemon default when 0)")
	historyCmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "Output format (table, json, yaml)")
	rootCmd.AddCommand(historyCmd)
}

// buildSpec merges the spec file, flags, and arguments. Flags win.
func buildSpec(cmd *cobra.Command, args []string) (*model.SandboxSpec, error) {
	spec := &model.SandboxSpec{}
	if specFileFlag != "" {
		parsed, err := model.ParseSpecFile(specFileFlag)
		if err != nil {
			return nil, err
		}
		spec = parsed
	}

	if len(args) == 1 {
		spec.Name = args[0]
	}
	if imageFlag != "" {
		spec.Image = imageFlag
	}
	if nsFlag != "" {
		spec.Namespace = nsFlag
	}
	if len(egressFlag) > 0 {
		spec.EgressWhitelist = egressFlag
	}
	if limitCPUFlag != "" {
		spec.Limits.CPU = limitCPUFlag
	}
	if limitMemoryFlag != "" {
		spec.Limits.Memory = limitMemoryFlag
	}
	if limitEphemeralFlag != "" {
		spec.Limits.EphemeralStorage = limitEphemeralFlag
	}
	if beforeScriptFlag != "" {
		spec.BeforeScript = beforeScriptFlag
	}
	if cmd.Flags().Changed("pod-non-root") {
		spec.PodNonRoot = podNonRootFlag
	}
	if cmd.Flags().Changed("container-non-root") {
		spec.ContainerNonRoot = containerNonRootFlag
	}
	if len(capDropFlag) > 0 {
		spec.CapDrop = capDropFlag
	}
	if len(capAddFlag) > 0 {
		spec.CapAdd = capAddFlag
	}

	if envFileFlag != "" {
		fileEnv, err := model.LoadEnvFile(envFileFlag)
		if err != nil {
			return nil, err
		}
		if spec.Env == nil {
			spec.Env = fileEnv
		} else {
			for k, v := range fileEnv {
				if _, ok := spec.Env[k]; !ok {
					spec.Env[k] = v
				}
			}
		}
	}
	for k, v := range parseEnvVars(envFlag) {
		if spec.Env == nil {
			spec.Env = map[string]string{}
		}
		spec.Env[k] = v
	}

	return spec, nil
}

func runCreate(cmd *cobra.Command, args []string) error {
	spec, err := buildSpec(cmd, args)
	if err != nil {
		return err
	}

	c := getAPIClient()
	ctx, cancel := getContext()
	defer cancel()

	state, err := c.Sandbox.Create(ctx, *spec)
	if err != nil {
		return err
	}

	if quietFlag {
		fmt.Println(state.Name)
	} else {
		fmt.Printf("Created sandbox: %s/%s\n", state.Namespace, state.Name)
		fmt.Printf("Status: %s\n", state.Status)
	}

	if waitFlag {
		// Readiness outlives the request timeout; the watch gets its own.
		ready, err := c.Sandbox.WaitForReady(cmd.Context(), state.Namespace, state.Name, 2*time.Second, 5*time.Minute)
		if err != nil {
			return err
		}
		if !quietFlag {
			fmt.Printf("Sandbox %s is %s\n", ready.Name, ready.Status)
		}
	}

	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	c := getAPIClient()
	ctx, cancel := getContext()
	defer cancel()

	items, err := c.Sandbox.List(ctx, getNamespace())
	if err != nil {
		return err
	}

	format := output.ParseFormat(outputFormat)
	var formatter output.Formatter
	if format == output.FormatTable {
		formatter = output.NewTableFormatter([]string{"name", "namespace", "status", "ready", "image", "created_at"})
	} else {
		formatter = output.NewFormatter(format)
	}
	return formatter.Write(cmd.OutOrStdout(), items)
}

func runGet(cmd *cobra.Command, args []string) error {
	c := getAPIClient()
	ctx, cancel := getContext()
	defer cancel()

	state, err := c.Sandbox.Get(ctx, getNamespace(), args[0])
	if err != nil {
		return err
	}

	formatter := output.NewFormatter(output.ParseFormat(outputFormat))
	return formatter.Write(cmd.OutOrStdout(), *state)
}

func runDelete(cmd *cobra.Command, args []string) error {
	name := args[0]

	force, _ := cmd.Flags().GetBool("force")
	if !force {
		fmt.Printf("Delete sandbox %s? [y/N]: ", name)
		var response string
		fmt.Scanln(&response)
		if response != "y" && response != "Y" {
			fmt.Println("Cancelled")
			return nil
		}
	}

	c := getAPIClient()
	ctx, cancel := getContext()
	defer cancel()

	if err := c.Sandbox.Delete(ctx, getNamespace(), name); err != nil {
		return err
	}

	fmt.Printf("Deleted sandbox: %s\n", name)
	return nil
}

func runDeleteAll(cmd *cobra.Command, args []string) error {
	yes, _ := cmd.Flags().GetBool("yes")
	if !yes {
		return fmt.Errorf("delete-all tears down every sandbox in the namespace; pass --yes to confirm")
	}

	c := getAPIClient()
	ctx, cancel := getContext()
	defer cancel()

	result, err := c.Sandbox.DeleteAll(ctx, getNamespace(), true)
	if err != nil {
		return err
	}

	fmt.Printf("Deleted %d sandbox(es)\n", result.Deleted)
	if result.Failed > 0 {
		for _, r := range result.Results {
			if r.Error != "" {
				fmt.Fprintf(os.Stderr, "  %s: %s\n", r.Name, r.Error)
			}
		}
		return fmt.Errorf("%d sandbox(es) failed to delete", result.Failed)
	}
	return nil
}

func runExec(cmd *cobra.Command, args []string) error {
	name := args[0]
	command := strings.Join(args[1:], " ")

	c := getAPIClient()
	ctx, cancel := getContext()
	defer cancel()

	resp, err := c.Sandbox.Exec(ctx, getNamespace(), name, command, execTimeoutFlag)
	if err != nil {
		return err
	}

	if resp.Stderr != "" {
		fmt.Fprint(os.Stderr, resp.Stderr)
	}
	fmt.Print(resp.Stdout)

	if exitCodeFlag {
		os.Exit(resp.ExitCode)
	}
	if resp.ExitCode != 0 {
		return fmt.Errorf("command exited with code %d", resp.ExitCode)
	}
	return nil
}

func runLogs(cmd *cobra.Command, args []string) error {
	c := getAPIClient()
	ctx, cancel := getContext()
	defer cancel()

	resp, err := c.Sandbox.Logs(ctx, getNamespace(), args[0], logsTailFlag)
	if err != nil {
		return err
	}

	if logsEventsFlag && len(resp.Events) > 0 {
		fmt.Println("--- Events ---")
		for _, event := range resp.Events {
			fmt.Println(event)
		}
		fmt.Println("--- Logs ---")
	}

	fmt.Print(resp.Logs)
	if resp.Logs != "" && !strings.HasSuffix(resp.Logs, "\n") {
		fmt.Println()
	}
	return nil
}

func runTop(cmd *cobra.Command, args []string) error {
	c := getAPIClient()
	ctx, cancel := getContext()
	defer cancel()

	items, err := c.Sandbox.Metrics(ctx, getNamespace())
	if err != nil {
		return err
	}

	format := output.ParseFormat(outputFormat)
	var formatter output.Formatter
	if format == output.FormatTable {
		formatter = output.NewTableFormatter([]string{"name", "namespace", "cpu_usage", "memory_usage"})
	} else {
		formatter = output.NewFormatter(format)
	}
	return formatter.Write(cmd.OutOrStdout(), items)
}

func runHistory(cmd *cobra.Command, args []string) error {
	c := getAPIClient()
	ctx, cancel := getContext()
	defer cancel()

	items, err := c.Sandbox.History(ctx, getNamespace(), args[0], historyLimitFlag)
	if err != nil {
		return err
	}

	format := output.ParseFormat(outputFormat)
	var formatter output.Formatter
	if format == output.FormatTable {
		formatter = output.NewTableFormatter([]string{"from", "to", "reason", "at"})
	} else {
		formatter = output.NewFormatter(format)
	}
	return formatter.Write(cmd.OutOrStdout(), items)
}

func parseEnvVars(envs []string) map[string]string {
	result := make(map[string]string)
	for _, env := range envs {
		if key, value, ok := strings.Cut(env, "="); ok && key != "" {
			result[key] = value
		}
	}
	return result
}
