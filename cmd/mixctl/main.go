// Command mixctl drives the Mix Report API from a terminal: it analyzes a file
// through the public endpoints and lets operators inspect and adjust ledgers.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"example/mixreport-api/app"
	"example/mixreport-api/app/config"
	"example/mixreport-api/app/engine"
	"example/mixreport-api/app/jobs"
	"example/mixreport-api/app/ledger"
	"example/mixreport-api/app/models"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	apiURL  string
	token   string
	options []string

	rootCmd = &cobra.Command{
		Use:           "mixctl",
		Short:         "Client and operator tool for the Mix Report API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	analyzeCmd = &cobra.Command{
		Use:   "analyze FILE",
		Short: "Upload an audio file and wait for its report",
		Args:  cobra.ExactArgs(1),
		RunE:  runAnalyze,
	}

	ledgerCmd = &cobra.Command{
		Use:   "ledger",
		Short: "Inspect and adjust rate ledgers (needs database access)",
	}
	ledgerShowCmd = &cobra.Command{
		Use:   "show ACTOR_ID",
		Short: "Print an actor's ledger row and usage (acct:<sub> or anon:<fingerprint>)",
		Args:  cobra.ExactArgs(1),
		RunE:  runLedgerShow,
	}
	ledgerGrantCmd = &cobra.Command{
		Use:   "grant-addon ACCOUNT UNITS",
		Short: "Credit add-on units to an account",
		Args:  cobra.ExactArgs(2),
		RunE:  runLedgerGrant,
	}
)

func init() {
	analyzeCmd.Flags().StringVar(&apiURL, "api", "http://localhost:8080", "API base URL")
	analyzeCmd.Flags().StringVar(&token, "token", os.Getenv("MIXREPORT_TOKEN"), "bearer token; anonymous when empty")
	analyzeCmd.Flags().StringArrayVar(&options, "option", nil, "engine option as key=value (repeatable)")

	ledgerCmd.AddCommand(ledgerShowCmd, ledgerGrantCmd)
	rootCmd.AddCommand(analyzeCmd, ledgerCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if r := models.RemedyOf(err); r != models.RemedyNone {
			fmt.Fprintf(os.Stderr, "remedy: %s\n", r)
		}
		os.Exit(1)
	}
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	opts := engine.Options{}
	for _, kv := range options {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return fmt.Errorf("--option %q: want key=value", kv)
		}
		opts[k] = v
	}

	client, err := newAPIClient(apiURL, token)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	job, err := client.Submit(ctx, args[0], opts)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "submitted job %s\n", job.ID)

	last := -1
	poller := jobs.Poller{
		Interval: cfg.Poll.Interval,
		Budget: jobs.Budget{
			MaxAttempts:          cfg.Poll.MaxAttempts,
			MaxTransportFailures: cfg.Poll.MaxTransportFailure,
		},
		OnUpdate: func(s jobs.State) {
			if s.Progress != last {
				last = s.Progress
				fmt.Fprintf(cmd.ErrOrStderr(), "%-12s %3d%%\n", s.Status, s.Progress)
			}
		},
	}
	state, err := poller.Await(ctx, client, job.ID)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(state.Result))
	return nil
}

func openStore(ctx context.Context) (*ledger.Postgres, *config.Config, func(), error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	db, err := app.OpenDB(ctx, cfg.DB)
	if err != nil {
		return nil, nil, nil, err
	}
	if db == nil {
		return nil, nil, nil, errors.New("POSTGRES_URL is not set")
	}
	return ledger.NewPostgres(db), cfg, func() { db.Close() }, nil
}

func parseActor(id string) (models.Actor, error) {
	switch {
	case strings.HasPrefix(id, "acct:"):
		return models.AccountActor(strings.TrimPrefix(id, "acct:"), ""), nil
	case strings.HasPrefix(id, "anon:"):
		return models.Anonymous(strings.TrimPrefix(id, "anon:")), nil
	}
	return models.Actor{}, fmt.Errorf("actor id %q: want acct:<id> or anon:<fingerprint>", id)
}

func runLedgerShow(cmd *cobra.Command, args []string) error {
	actor, err := parseActor(args[0])
	if err != nil {
		return err
	}
	store, cfg, closeDB, err := openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer closeDB()

	snap, err := store.Load(cmd.Context(), actor)
	if err != nil {
		return err
	}
	out := struct {
		ledger.Snapshot
		Usage *models.Usage `json:"usage"`
	}{snap, ledger.Summarize(snap, cfg.Quota, time.Now())}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func runLedgerGrant(cmd *cobra.Command, args []string) error {
	units, err := strconv.Atoi(args[1])
	if err != nil || units <= 0 {
		return fmt.Errorf("units must be a positive integer")
	}
	store, _, closeDB, err := openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer closeDB()

	eventID := "manual:" + uuid.NewString()
	if err := store.GrantAddon(cmd.Context(), args[0], units, eventID); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "granted %d add-on units to %s (%s)\n", units, args[0], eventID)
	return nil
}
