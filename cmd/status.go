package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/verity/internal/store"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show which biometric templates are enrolled",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

// templateStatus is one row of the status table.
type templateStatus struct {
	Key    string
	Stored bool
	Dim    int
}

func runStatus(ctx context.Context) error {
	s, err := openStore(ctx)
	if err != nil {
		return err
	}
	rows, err := collectStatus(ctx, s)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "Backend: %s\n\n", Cfg.Store.Backend)
	printStatus(os.Stdout, rows)
	return nil
}

func collectStatus(ctx context.Context, s *store.Store) ([]templateStatus, error) {
	var rows []templateStatus
	for _, key := range []string{store.KeySelfie, store.KeyIDProfile} {
		e, ok, err := s.Retrieve(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", key, err)
		}
		rows = append(rows, templateStatus{Key: key, Stored: ok, Dim: len(e)})
	}
	return rows, nil
}

func printStatus(out io.Writer, rows []templateStatus) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "TEMPLATE\tSTORED\tDIM")
	fmt.Fprintln(w, "--------\t------\t---")
	for _, r := range rows {
		if !r.Stored {
			fmt.Fprintf(w, "%s\tno\t-\n", r.Key)
			continue
		}
		fmt.Fprintf(w, "%s\tyes\t%d\n", r.Key, r.Dim)
	}
	w.Flush()
}
