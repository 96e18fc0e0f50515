package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/iambrandonn/evalgen/internal/config"
	"github.com/iambrandonn/evalgen/internal/ledger"
	"github.com/iambrandonn/evalgen/internal/protocol"
	"github.com/iambrandonn/evalgen/internal/runstate"
	"github.com/iambrandonn/evalgen/internal/transcript"
)

// maxUnfinishedShown caps the unfinished indices printed by status
const maxUnfinishedShown = 20

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of the last run",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().String("state-dir", "", "Directory for run state (default from config: .evalgen)")
	statusCmd.Flags().String("transcript", "", "Transcript to scan for unfinished positions")
}

func runStatus(cmd *cobra.Command, args []string) error {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}

	cfg, _, err := config.Load(configPath, cmd.Flags())
	if err != nil {
		return err
	}

	logger := newLogger(cmd.ErrOrStderr(), cfg.LogLevel)
	out := cmd.OutOrStdout()

	state, err := runstate.LoadRunState(runstate.GetRunStatePath(cfg.StateDir))
	if err != nil {
		if errors.Is(err, runstate.ErrNoState) {
			fmt.Fprintf(out, "No run recorded in %s\n", cfg.StateDir)
			return nil
		}
		return err
	}

	fmt.Fprintln(out, transcript.NewFormatter().FormatRunState(state))

	if cfg.Transcript == "" {
		return nil
	}
	if _, err := os.Stat(cfg.Transcript); errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	lg, err := ledger.ReadLedger(cfg.Transcript, logger)
	if err != nil {
		return fmt.Errorf("failed to read transcript: %w", err)
	}

	classifier, err := protocol.NewClassifier(cfg.Protocol)
	if err != nil {
		return err
	}

	unfinished := lg.GetUnfinished(classifier)
	fmt.Fprintf(out, "  transcript: %s (%d position commands, last index %d)\n",
		cfg.Transcript, lg.CountSent(protocol.VerbPosition), lg.LastIndex())
	if len(unfinished) == 0 {
		return nil
	}

	shown := lo.Map(lo.Slice(unfinished, 0, maxUnfinishedShown), func(i int, _ int) string {
		return fmt.Sprint(i)
	})
	more := ""
	if len(unfinished) > maxUnfinishedShown {
		more = fmt.Sprintf(" (+%d more)", len(unfinished)-maxUnfinishedShown)
	}
	fmt.Fprintf(out, "  unfinished: %s%s\n", strings.Join(shown, ", "), more)
	return nil
}
