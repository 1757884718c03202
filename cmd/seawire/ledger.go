package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/jpillora/sizestr"
	"github.com/spf13/cobra"

	swshare "github.com/seawire-net/seawire/share"
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger <database>",
	Short: "Summarize a traffic ledger",
	Long:  "Prints per-outcome exchange counts and byte totals from a ledger\ndatabase written by a ship daemon.",
	Args:  cobra.ExactArgs(1),
	RunE:  runLedger,
}

func init() {
	rootCmd.AddCommand(ledgerCmd)
}

func runLedger(cmd *cobra.Command, args []string) error {
	logger := swshare.NewLogger("ledger", swshare.LogLevelWarning)
	ledger, err := swshare.NewLedger(logger, args[0])
	if err != nil {
		return err
	}
	defer ledger.Close()

	rows, err := ledger.Summary()
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Println("ledger is empty")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "OUTCOME\tEXCHANGES\tSENT\tRECEIVED")
	var totalCount, totalOut, totalIn int64
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n",
			r.Outcome, r.Exchanges, sizestr.ToString(r.BytesOut), sizestr.ToString(r.BytesIn))
		totalCount += r.Exchanges
		totalOut += r.BytesOut
		totalIn += r.BytesIn
	}
	fmt.Fprintf(w, "total\t%d\t%s\t%s\n",
		totalCount, sizestr.ToString(totalOut), sizestr.ToString(totalIn))
	return w.Flush()
}
