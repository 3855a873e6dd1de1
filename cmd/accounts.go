package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/kuzerno1/multi-codex-proxy/internal/account"
	"github.com/kuzerno1/multi-codex-proxy/internal/auth"
	"github.com/kuzerno1/multi-codex-proxy/internal/config"
	"github.com/kuzerno1/multi-codex-proxy/internal/utils"
)

// accountsCmd represents the accounts command
var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Manage the Codex account pool",
	Long: `Manage the pool of ChatGPT Codex accounts used by the proxy.

Accounts authenticate through the OpenAI OAuth flow. Multiple accounts
enable load balancing and failover when rate limits are hit.`,
}

var accountsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a new account via OAuth",
	Long: `Add a new account to the pool via the OpenAI OAuth flow.

By default a local callback server on port 1455 captures the authorization
code. Use --manual to paste the callback URL or code yourself, which works
in containers, SSH sessions, and headless servers.

Examples:
  multi-codex-proxy accounts add
  multi-codex-proxy accounts add --manual`,
	RunE: runAccountsAdd,
}

var accountsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured accounts",
	RunE:  runAccountsList,
}

var accountsStatusCmd = &cobra.Command{
	Use:   "status <number>",
	Short: "Show details for one account",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountsStatus,
}

var accountsSwitchCmd = &cobra.Command{
	Use:   "switch <number>",
	Short: "Make an account the active one",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountsSwitch,
}

var accountsToggleCmd = &cobra.Command{
	Use:     "toggle <number>",
	Aliases: []string{"enable", "disable"},
	Short:   "Enable or disable an account",
	Args:    cobra.ExactArgs(1),
	RunE:    runAccountsToggle,
}

var accountsRemoveCmd = &cobra.Command{
	Use:   "remove [number]",
	Short: "Remove an account",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAccountsRemove,
}

var accountsVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify account tokens are valid",
	RunE:  runAccountsVerify,
}

var accountsDoctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Inspect the account store file",
	RunE:  runAccountsDoctor,
}

var (
	manualCode bool
)

func init() {
	rootCmd.AddCommand(accountsCmd)

	accountsCmd.AddCommand(accountsAddCmd)
	accountsCmd.AddCommand(accountsListCmd)
	accountsCmd.AddCommand(accountsStatusCmd)
	accountsCmd.AddCommand(accountsSwitchCmd)
	accountsCmd.AddCommand(accountsToggleCmd)
	accountsCmd.AddCommand(accountsRemoveCmd)
	accountsCmd.AddCommand(accountsVerifyCmd)
	accountsCmd.AddCommand(accountsDoctorCmd)

	accountsAddCmd.Flags().BoolVar(&manualCode, "manual", false, "Paste the authorization code instead of running a callback server")
}

// newManager loads settings and initializes the account pool for CLI use.
func newManager() (*account.Manager, error) {
	settings := config.LoadSettings(config.GetConfigFilePath())
	storage := account.NewStorage(config.GetAccountStorePath())
	manager := account.NewManager(storage, settings, nil)
	if err := manager.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize account manager: %w", err)
	}
	return manager, nil
}

func runAccountsAdd(cmd *cobra.Command, args []string) error {
	authURL, pkce, err := auth.GetAuthorizationURL()
	if err != nil {
		return fmt.Errorf("failed to generate authorization URL: %w", err)
	}

	fmt.Println()
	fmt.Println("Please visit the following URL to authorize:")
	fmt.Println()
	fmt.Println("  " + authURL)
	fmt.Println()

	var code string
	if manualCode {
		code, err = readCodeFromStdin()
	} else {
		utils.Info("Waiting for the OAuth callback on port %d...", config.OAuthConfig.CallbackPort)
		code, err = auth.StartCallbackServer(pkce.State, 5*time.Minute)
		if err != nil {
			// Port in use or no browser on this host. Fall back to paste.
			utils.Warn("Callback server unavailable (%v), switching to manual input", err)
			code, err = readCodeFromStdin()
		}
	}
	if err != nil {
		return err
	}

	utils.Info("Exchanging code for tokens...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result, err := auth.ExchangeCode(ctx, code, pkce.Verifier)
	if err != nil {
		return fmt.Errorf("token exchange failed: %w", err)
	}
	if !result.Succeeded() {
		return fmt.Errorf("authorization was rejected by the token endpoint")
	}

	manager, err := newManager()
	if err != nil {
		return err
	}

	mg, err := manager.AddFromTokens(result)
	if err != nil {
		return fmt.Errorf("failed to add account: %w", err)
	}

	utils.Success("Successfully added account: %s", mg.Display(mg.Index))
	if mg.Plan != "" {
		utils.Info("Plan: %s", mg.Plan)
	}
	return nil
}

// readCodeFromStdin prompts for the callback URL or raw authorization code.
func readCodeFromStdin() (string, error) {
	fmt.Print("Paste the callback URL or authorization code here: ")

	var input string
	var err error
	if term.IsTerminal(int(os.Stdin.Fd())) {
		// Hide the code as the user types. It is a bearer credential.
		var raw []byte
		raw, err = term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		input = string(raw)
	} else {
		reader := bufio.NewReader(os.Stdin)
		input, err = reader.ReadString('\n')
	}
	if err != nil {
		return "", fmt.Errorf("failed to read input: %w", err)
	}

	code, _, err := auth.ExtractCodeFromInput(strings.TrimSpace(input))
	if err != nil {
		return "", fmt.Errorf("failed to extract code: %w", err)
	}
	return code, nil
}

func runAccountsList(cmd *cobra.Command, args []string) error {
	manager, err := newManager()
	if err != nil {
		return err
	}

	if manager.TotalAccounts() == 0 {
		fmt.Println("No accounts configured.")
		fmt.Println()
		fmt.Println("To add an account, run:")
		fmt.Println("  multi-codex-proxy accounts add")
		return nil
	}

	fmt.Println(account.ListTool(manager))
	return nil
}

func runAccountsStatus(cmd *cobra.Command, args []string) error {
	manager, err := newManager()
	if err != nil {
		return err
	}

	num, err := parseAccountNumber(args[0], manager.TotalAccounts())
	if err != nil {
		return err
	}

	out, err := account.StatusTool(manager, num)
	if err != nil {
		return err
	}
	fmt.Println(out)
	return nil
}

func runAccountsSwitch(cmd *cobra.Command, args []string) error {
	manager, err := newManager()
	if err != nil {
		return err
	}

	num, err := parseAccountNumber(args[0], manager.TotalAccounts())
	if err != nil {
		return err
	}

	out, err := account.SwitchTool(manager, num)
	if err != nil {
		return err
	}
	utils.Success("%s", out)
	return nil
}

func runAccountsToggle(cmd *cobra.Command, args []string) error {
	manager, err := newManager()
	if err != nil {
		return err
	}

	num, err := parseAccountNumber(args[0], manager.TotalAccounts())
	if err != nil {
		return err
	}

	out, err := account.ToggleTool(manager, num)
	if err != nil {
		return err
	}
	utils.Success("%s", out)
	return nil
}

func runAccountsRemove(cmd *cobra.Command, args []string) error {
	manager, err := newManager()
	if err != nil {
		return err
	}

	count := manager.TotalAccounts()
	if count == 0 {
		fmt.Println("No accounts to remove.")
		return nil
	}

	var num int
	if len(args) > 0 {
		num, err = parseAccountNumber(args[0], count)
		if err != nil {
			return err
		}
	} else {
		// Interactive selection
		fmt.Println("Select an account to remove:")
		fmt.Println()
		fmt.Println(account.ListTool(manager))
		fmt.Println()
		fmt.Print("Enter account number (or 'q' to cancel): ")

		reader := bufio.NewReader(os.Stdin)
		input, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("failed to read input: %w", err)
		}

		input = strings.TrimSpace(input)
		if input == "q" || input == "" {
			fmt.Println("Cancelled.")
			return nil
		}

		num, err = parseAccountNumber(input, count)
		if err != nil {
			return err
		}
	}

	out, err := account.RemoveTool(manager, num)
	if err != nil {
		return err
	}
	utils.Success("%s", out)
	return nil
}

func runAccountsVerify(cmd *cobra.Command, args []string) error {
	manager, err := newManager()
	if err != nil {
		return err
	}

	accounts := manager.Snapshot()
	if len(accounts) == 0 {
		fmt.Println("No accounts to verify.")
		return nil
	}

	utils.Info("Verifying %d account(s)...", len(accounts))
	fmt.Println()

	allValid := true

	for i := range accounts {
		rec := &accounts[i]
		fmt.Printf("  %d. %s... ", i+1, rec.Display(i))

		if !rec.IsEnabled() {
			fmt.Printf("\033[33mSKIPPED\033[0m (disabled)\n")
			continue
		}
		if rec.RefreshToken == "" {
			fmt.Printf("\033[31mFAILED\033[0m\n")
			fmt.Printf("     Error: no refresh token\n")
			allValid = false
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		_, err := manager.RefreshWithFallback(ctx, i)
		cancel()

		if err != nil {
			fmt.Printf("\033[31mFAILED\033[0m\n")
			fmt.Printf("     Error: %v\n", err)
			allValid = false
			continue
		}

		fmt.Printf("\033[32mOK\033[0m\n")
	}

	fmt.Println()
	if allValid {
		utils.Success("All accounts verified successfully!")
	} else {
		utils.Warn("Some accounts failed verification. Run 'accounts add' to re-authenticate.")
	}

	return nil
}

func runAccountsDoctor(cmd *cobra.Command, args []string) error {
	storage := account.NewStorage(config.GetAccountStorePath())

	shape, count, err := storage.Inspect()
	fmt.Printf("Store file: %s\n", storage.Path())
	fmt.Printf("Shape: %s\n", shape)
	fmt.Printf("Accounts: %d\n", count)
	if err != nil {
		fmt.Printf("Problem: %v\n", err)
		fmt.Println()
		fmt.Println("Corrupt files are quarantined automatically on the next load.")
		return nil
	}

	utils.Success("Store file looks healthy")
	return nil
}

// parseAccountNumber validates a 1-based account number from the CLI.
func parseAccountNumber(arg string, count int) (int, error) {
	num, err := strconv.Atoi(strings.TrimSpace(arg))
	if err != nil {
		return 0, fmt.Errorf("invalid account number: %s", arg)
	}
	if num < 1 || num > count {
		return 0, fmt.Errorf("invalid account number: %d (must be 1-%d)", num, count)
	}
	return num, nil
}
