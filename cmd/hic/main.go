package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/jmerrifield20/healthincentive/pkg/client"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var (
	serverURL    string
	cfgFile      string
	sessionToken string
	outputFormat string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "hic",
	Short: "Health insurance incentive CLI",
	Long: `hic drives the health insurance incentive workflow on an incentived server.

Open a session first; the token is stored in ~/.hic/token and reused by
later commands (override with --token or HIC_TOKEN):

  hic session
  hic register --id 1 --disease diabetes --gender F --age 52
  hic fetch 1
  hic footsteps 12000
  hic penalty
  hic incentive`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			viper.AddConfigPath(configDir())
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.SetEnvPrefix("hic")
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if serverURL == "" {
			serverURL = viper.GetString("server")
		}
		if serverURL == "" {
			serverURL = "http://localhost:8080"
		}
		if sessionToken == "" {
			sessionToken = viper.GetString("token")
		}
		if sessionToken == "" {
			sessionToken = readToken()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.hic/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "incentived base URL (default http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&sessionToken, "token", "", "session token (default $HIC_TOKEN or ~/.hic/token)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "text", "Output format: text or json")

	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(footstepsCmd)
	rootCmd.AddCommand(penaltyCmd)
	rootCmd.AddCommand(incentiveCmd)
	rootCmd.AddCommand(backCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(receiptsCmd)
	rootCmd.AddCommand(versionCmd)
}

func configDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".hic")
}

func tokenPath() string { return filepath.Join(configDir(), "token") }

func readToken() string {
	b, err := os.ReadFile(tokenPath())
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

func saveToken(token string) error {
	if err := os.MkdirAll(configDir(), 0o700); err != nil {
		return fmt.Errorf("create %s: %w", configDir(), err)
	}
	return os.WriteFile(tokenPath(), []byte(token+"\n"), 0o600)
}

func newClient() (*client.Client, error) {
	var opts []client.Option
	if sessionToken != "" {
		opts = append(opts, client.WithBearerToken(sessionToken))
	}
	return client.New(serverURL, opts...)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// explain prefers the server's user-facing message over the transport error.
func explain(err error) error {
	var apiErr *client.APIError
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == 401 {
			return fmt.Errorf("%s (run 'hic session' to open a new session)", apiErr.Message)
		}
		return errors.New(apiErr.Message)
	}
	return err
}

func printResult(res *client.Result) error {
	if outputFormat == "json" {
		return printJSON(res)
	}
	if res.Message != "" {
		fmt.Println(res.Message)
	}
	if res.Receipt != nil {
		fmt.Printf("  tx:    %s (block %d, gas %d)\n", res.Receipt.TxHash, res.Receipt.BlockNumber, res.Receipt.GasUsed)
		fmt.Printf("  from:  %s\n", res.Receipt.From)
	}
	fmt.Printf("  view:  %s\n", res.View)
	if res.Superseded {
		fmt.Println("  (a newer request changed the view before this one finished)")
	}
	return nil
}

// ── session ──────────────────────────────────────────────────────────────────

var sessionAccount string

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Open a session and list the ledger node's accounts",
	Long: `Open a new session, store its token and list the node-managed accounts.
Account 0 is the operator account. Account N belongs to patient N.

Use --account to switch the operator account of the current session instead.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		var snap *client.SessionSnapshot
		if sessionAccount != "" {
			snap, err = c.UseAccount(ctx, sessionAccount)
			if err != nil {
				return explain(err)
			}
		} else {
			res, err := c.CreateSession(ctx)
			if err != nil {
				return explain(err)
			}
			if err := saveToken(res.Token); err != nil {
				return err
			}
			snap = &res.Session
		}

		if outputFormat == "json" {
			return printJSON(snap)
		}
		fmt.Printf("Session: %s\n", snap.ID)
		fmt.Printf("View:    %s\n\n", snap.View)
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "INDEX\tACCOUNT\tACTIVE")
		for i, a := range snap.KnownAccounts {
			active := ""
			if strings.EqualFold(a, snap.ActiveAccount) {
				active = "*"
			}
			fmt.Fprintf(w, "%d\t%s\t%s\n", i, a, active)
		}
		return w.Flush()
	},
}

func init() {
	sessionCmd.Flags().StringVar(&sessionAccount, "account", "", "Switch the active operator account (hex address)")
}

// ── register ─────────────────────────────────────────────────────────────────

var reg client.Registration

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Record a new patient on the ledger",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		res, err := c.RegisterPatient(cmd.Context(), reg)
		if err != nil {
			return explain(err)
		}
		return printResult(res)
	},
}

func init() {
	registerCmd.Flags().Uint64Var(&reg.ID, "id", 0, "Patient id (also the index of the patient's account)")
	registerCmd.Flags().StringVar(&reg.Disease, "disease", "", "Disease")
	registerCmd.Flags().StringVar(&reg.Gender, "gender", "", "Gender")
	registerCmd.Flags().Uint64Var(&reg.Age, "age", 0, "Age in years")
	_ = registerCmd.MarkFlagRequired("id")
	_ = registerCmd.MarkFlagRequired("disease")
	_ = registerCmd.MarkFlagRequired("gender")
}

// ── fetch ────────────────────────────────────────────────────────────────────

var fetchCmd = &cobra.Command{
	Use:   "fetch <patient-id>",
	Short: "Fetch a patient's details and select the patient",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid patient id %q", args[0])
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		p, err := c.FetchPatient(cmd.Context(), id)
		if err != nil {
			return explain(err)
		}
		if outputFormat == "json" {
			return printJSON(p)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tDISEASE\tAGE\tGENDER\tELIGIBLE\tACTIVITY DAYS")
		fmt.Fprintln(w, strings.Join(p.Row, "\t"))
		return w.Flush()
	},
}

// ── footsteps / penalty / incentive ──────────────────────────────────────────

var footstepsCmd = &cobra.Command{
	Use:   "footsteps <count>",
	Short: "Record a footstep count for the selected patient",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid footstep count %q", args[0])
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		res, err := c.RecordFootsteps(cmd.Context(), n)
		if err != nil {
			return explain(err)
		}
		return printResult(res)
	},
}

var penaltyCmd = &cobra.Command{
	Use:   "penalty",
	Short: "Deposit the penalty amount from the selected patient's account",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		res, err := c.StorePenalty(cmd.Context())
		if err != nil {
			return explain(err)
		}
		return printResult(res)
	},
}

var incentiveCmd = &cobra.Command{
	Use:   "incentive",
	Short: "Settle the selected patient's incentive from the operator account",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		res, err := c.SettleIncentive(cmd.Context())
		if err != nil {
			return explain(err)
		}
		return printResult(res)
	},
}

var backCmd = &cobra.Command{
	Use:   "back",
	Short: "Return to the registration form and clear the selected patient",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		res, err := c.ShowRegistration(cmd.Context())
		if err != nil {
			return explain(err)
		}
		return printResult(res)
	},
}

// ── events ───────────────────────────────────────────────────────────────────

var eventsFollow bool

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show the latest contract event, or follow the event stream",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}

		if !eventsFollow {
			e, err := c.LatestEvent(cmd.Context())
			if errors.Is(err, client.ErrNoContent) {
				fmt.Println("no events yet")
				return nil
			}
			if err != nil {
				return explain(err)
			}
			return printEvent(*e)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		err = c.StreamEvents(ctx, func(e client.Event) bool {
			return printEvent(e) == nil
		})
		if ctx.Err() != nil {
			return nil
		}
		return explain(err)
	},
}

func init() {
	eventsCmd.Flags().BoolVarP(&eventsFollow, "follow", "f", false, "Stream events until interrupted")
}

func printEvent(e client.Event) error {
	if outputFormat == "json" {
		return json.NewEncoder(os.Stdout).Encode(e)
	}
	_, err := fmt.Printf("%s  %s  block=%d tx=%s\n",
		e.ReceivedAt.Local().Format("15:04:05"), e.Message, e.BlockNumber, e.TxHash)
	return err
}

// ── receipts ─────────────────────────────────────────────────────────────────

var (
	receiptsVerify bool
	receiptsOffset int
	receiptsLimit  int
)

var receiptsCmd = &cobra.Command{
	Use:   "receipts",
	Short: "List or verify the local receipt journal",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}

		if receiptsVerify {
			valid, reason, err := c.VerifyReceipts(cmd.Context())
			if err != nil {
				return explain(err)
			}
			if !valid {
				return fmt.Errorf("journal integrity check failed: %s", reason)
			}
			fmt.Println("journal intact")
			return nil
		}

		page, err := c.Receipts(cmd.Context(), receiptsOffset, receiptsLimit)
		if err != nil {
			return explain(err)
		}
		if outputFormat == "json" {
			return printJSON(page)
		}
		fmt.Printf("Entries: %d\nRoot:    %s\n\n", page.Entries, page.Root)
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "IDX\tOP\tPATIENT\tBLOCK\tVALUE (WEI)\tTX")
		for _, e := range page.Items {
			fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%s\t%s\n", e.Index, e.Op, e.PatientID, e.BlockNumber, e.ValueWei, e.TxHash)
		}
		return w.Flush()
	},
}

func init() {
	receiptsCmd.Flags().BoolVar(&receiptsVerify, "verify", false, "Verify the hash chain instead of listing entries")
	receiptsCmd.Flags().IntVar(&receiptsOffset, "offset", 0, "First entry to list")
	receiptsCmd.Flags().IntVar(&receiptsLimit, "limit", 50, "Maximum entries to list")
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the hic CLI version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("hic %s (health insurance incentive)\n", version)
	},
}

// executeContext lets tests drive the root command with a context.
func executeContext(ctx context.Context, args ...string) error {
	rootCmd.SetArgs(args)
	return rootCmd.ExecuteContext(ctx)
}
