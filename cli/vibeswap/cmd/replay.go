package cmd

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/vibeswap/vibeswap/engine"
	"github.com/vibeswap/vibeswap/keyvaluedb/boltdb"
	"github.com/vibeswap/vibeswap/types"
)

type replayConfiguration struct {
	Base *baseConfiguration

	DBFile string
	PoolID string
	Batch  uint64
}

// newReplayCmd creates the audit command: re-execute a settled batch
// from the journal and verify the recomputation is bit-identical to
// the archived result.
func newReplayCmd(baseConfig *baseConfiguration) *cobra.Command {
	config := &replayConfiguration{Base: baseConfig}
	var cmd = &cobra.Command{
		Use:   "replay",
		Short: "Replays a settled batch from the journal and verifies the archived result",
		RunE: func(cmd *cobra.Command, args []string) error {
			return replayBatch(cmd, config)
		},
	}
	cmd.Flags().StringVar(&config.DBFile, "journal-db", "", fmt.Sprintf("journal database file (default $VS_HOME/%s)", defaultJournalFile))
	cmd.Flags().StringVar(&config.PoolID, "pool", "", "hex encoded pool identifier")
	cmd.Flags().Uint64Var(&config.Batch, "batch", 0, "batch number to replay")
	_ = cmd.MarkFlagRequired("pool")
	_ = cmd.MarkFlagRequired("batch")
	return cmd
}

func replayBatch(cmd *cobra.Command, config *replayConfiguration) error {
	id, err := strconv.ParseUint(config.PoolID, 16, 32)
	if err != nil {
		return fmt.Errorf("invalid pool ID %q: %w", config.PoolID, err)
	}

	dbFile := config.DBFile
	if dbFile == "" {
		dbFile = (&runConfiguration{Base: config.Base}).journalFilename()
	}
	db, err := boltdb.New(dbFile)
	if err != nil {
		return fmt.Errorf("opening journal database: %w", err)
	}
	defer db.Close()

	journal, err := engine.NewJournal(db)
	if err != nil {
		return err
	}
	result, err := journal.Replay(types.PoolID(id), types.BatchID(config.Batch))
	if err != nil {
		return fmt.Errorf("replay failed: %w", err)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
