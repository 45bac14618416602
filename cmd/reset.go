package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/andresmejia3/verity/internal/store"
	"github.com/spf13/cobra"
)

var (
	resetYes  bool
	resetDrop bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete every stored biometric template",
	Long: `Removes the selfie and ID profile templates from the configured store.
With --drop on the postgres backend the table itself is dropped.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !resetYes && !confirm(bufio.NewReader(os.Stdin), os.Stdout, "⚠️  Are you sure you want to delete all biometric templates?") {
			fmt.Println("Aborted.")
			return nil
		}

		b, err := openBackend(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to open biometric store: %w", err)
		}
		s := store.New(b)
		closers = append(closers, s.Close)

		if resetDrop {
			pg, ok := b.(*store.Postgres)
			if !ok {
				return fmt.Errorf("--drop requires the postgres backend, have %q", Cfg.Store.Backend)
			}
			fmt.Println("🗑️  Dropping template table...")
			if err := pg.Reset(cmd.Context()); err != nil {
				return fmt.Errorf("failed to drop table: %w", err)
			}
		} else {
			fmt.Println("🗑️  Clearing templates...")
			if err := s.DeleteAll(cmd.Context()); err != nil {
				return fmt.Errorf("failed to clear store: %w", err)
			}
		}

		fmt.Println("✨ Store Reset Complete.")
		return nil
	},
}

func init() {
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Skip the confirmation prompt")
	resetCmd.Flags().BoolVar(&resetDrop, "drop", false, "Drop the postgres table instead of deleting rows")
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, out io.Writer, prompt string) bool {
	fmt.Fprintf(out, "%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}
