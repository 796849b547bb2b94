package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/leadflow/internal/preserve"
)

var revertCmd = &cobra.Command{
	Use:   "revert <audit-id>",
	Short: "Reverse a recorded merge from its audit snapshots",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		audit, err := preserve.NewWrapper(st).Revert(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "revert")
		}

		zap.L().Info("merge reverted",
			zap.String("audit_id", args[0]),
			zap.String("revert_audit_id", audit.ID),
			zap.String("survivor", audit.SurvivorID),
			zap.String("loser", audit.LoserID),
		)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(audit)
	},
}

func init() {
	rootCmd.AddCommand(revertCmd)
}
