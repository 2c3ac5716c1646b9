package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/keelwallet/keel/internal/adapter/eip155"
	"github.com/keelwallet/keel/internal/network"
	"github.com/keelwallet/keel/internal/txengine"
	keelerr "github.com/keelwallet/keel/pkg/errors"
)

var (
	txToFlag      string
	txValueFlag   string
	txDataFlag    string
	txGasFlag     string
	txFromFlag    string
	txKeyFileFlag string
	txYesFlag     bool
	txWatchFlag   bool
)

var txCmd = &cobra.Command{
	Use:   "tx",
	Short: "Submit and inspect transactions",
}

var txSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Draft, approve, sign, and broadcast a transaction",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if txKeyFileFlag == "" {
			return keelerr.WithSuggestion(
				keelerr.New("MISSING_KEY_FILE", "no signing key configured"),
				"pass --key-file with a hex-encoded private key")
		}

		var signer eip155.Signer = fileKeySigner{path: txKeyFileFlag}
		from := txFromFlag
		if from == "" {
			derived, err := keyFileAccount(txKeyFileFlag)
			if err != nil {
				return err
			}
			from = derived
		}

		app, err := buildApp(promptApprover{assumeYes: txYesFlag}, signer)
		if err != nil {
			return err
		}
		defer app.close()

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		// Watch status changes before submitting so nothing is missed.
		done := make(chan *txengine.Meta, 1)
		var submittedID string
		unsubscribe := app.engine.Subscribe(func(change txengine.StatusChange) {
			if change.ID != submittedID {
				return
			}
			fmt.Printf("  %s -> %s\n", change.Prev, change.Next)
			settled := change.Next == txengine.StatusBroadcast && !txWatchFlag
			if settled || change.Next.Terminal() {
				select {
				case done <- change.Meta:
				default:
				}
			}
		})
		defer unsubscribe()

		meta, err := app.engine.Submit(ctx, "cli", network.Ref(""), txengine.TxRequest{
			From:  from,
			To:    txToFlag,
			Value: txValueFlag,
			Data:  txDataFlag,
			Gas:   txGasFlag,
		})
		if err != nil {
			return err
		}
		submittedID = meta.ID
		fmt.Printf("Transaction %s approved, processing\n", meta.ID)

		select {
		case <-ctx.Done():
			fmt.Println("Interrupted; transaction state saved, resume with keel tx status")
			return nil
		case final := <-done:
			return printOutcome(final)
		}
	},
}

var txResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume persisted in-flight transactions",
	Long: `Re-drives persisted transactions that were interrupted before they
settled: approved and signed records re-enter processing, broadcast
records re-attach receipt tracking.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if txKeyFileFlag == "" {
			return keelerr.WithSuggestion(
				keelerr.New("MISSING_KEY_FILE", "no signing key configured"),
				"pass --key-file so interrupted transactions can be re-signed")
		}

		app, err := buildApp(promptApprover{assumeYes: true}, fileKeySigner{path: txKeyFileFlag})
		if err != nil {
			return err
		}
		defer app.close()

		pending := 0
		for _, meta := range app.engine.List() {
			if !meta.Status.Terminal() && meta.Status != txengine.StatusPending {
				pending++
			}
		}
		if pending == 0 {
			fmt.Println("Nothing to resume")
			return nil
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		done := make(chan struct{}, 1)
		remaining := pending
		unsubscribe := app.engine.Subscribe(func(change txengine.StatusChange) {
			fmt.Printf("  %s: %s -> %s\n", change.ID, change.Prev, change.Next)
			if change.Next.Terminal() {
				remaining--
				if remaining == 0 {
					select {
					case done <- struct{}{}:
					default:
					}
				}
			}
		})
		defer unsubscribe()

		fmt.Printf("Resuming %d transaction(s)\n", pending)
		app.engine.ResumePending()

		select {
		case <-ctx.Done():
			fmt.Println("Interrupted; transaction state saved")
		case <-done:
		}
		return nil
	},
}

var txStatusCmd = &cobra.Command{
	Use:   "status [id]",
	Short: "Show the status of persisted transactions",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		app, err := buildApp(nil, nil)
		if err != nil {
			return err
		}
		defer app.close()

		if len(args) == 1 {
			meta, err := app.engine.Get(args[0])
			if err != nil {
				return err
			}
			return printOutcome(meta)
		}

		records := app.engine.List()
		if len(records) == 0 {
			fmt.Println("No transactions recorded")
			return nil
		}
		for _, meta := range records {
			line := fmt.Sprintf("%s  %-10s  %s", meta.ID, meta.Status, meta.ChainRef)
			if meta.Hash != "" {
				line += "  " + meta.Hash
			}
			fmt.Println(line)
		}
		return nil
	},
}

// printOutcome renders one transaction record in full.
func printOutcome(meta *txengine.Meta) error {
	fmt.Printf("Transaction %s\n", meta.ID)
	fmt.Printf("  chain:  %s\n", meta.ChainRef)
	fmt.Printf("  status: %s\n", meta.Status)
	if meta.Hash != "" {
		fmt.Printf("  hash:   %s\n", meta.Hash)
	}
	if meta.Receipt != nil {
		fmt.Printf("  block:  %s (gas used %s)\n", meta.Receipt.BlockNumber, meta.Receipt.GasUsed)
	}
	if meta.Error != nil {
		fmt.Printf("  error:  [%s] %s\n", meta.Error.Code, meta.Error.Message)
	}
	if meta.Status == txengine.StatusFailed && meta.Error != nil {
		return keelerr.New(meta.Error.Code, meta.Error.Message)
	}
	return nil
}

func init() {
	txSubmitCmd.Flags().StringVar(&txToFlag, "to", "", "recipient address")
	txSubmitCmd.Flags().StringVar(&txValueFlag, "value", "", "value to send, hex wei (0x...)")
	txSubmitCmd.Flags().StringVar(&txDataFlag, "data", "", "call data, hex (0x...)")
	txSubmitCmd.Flags().StringVar(&txGasFlag, "gas", "", "gas limit override, hex")
	txSubmitCmd.Flags().StringVar(&txFromFlag, "from", "", "sender address (default derived from key file)")
	txSubmitCmd.Flags().StringVar(&txKeyFileFlag, "key-file", "", "path to hex-encoded private key file")
	txSubmitCmd.Flags().BoolVarP(&txYesFlag, "yes", "y", false, "approve without prompting")
	txSubmitCmd.Flags().BoolVar(&txWatchFlag, "watch", false, "wait for the receipt instead of returning at broadcast")

	txResumeCmd.Flags().StringVar(&txKeyFileFlag, "key-file", "", "path to hex-encoded private key file")

	txCmd.AddCommand(txSubmitCmd)
	txCmd.AddCommand(txResumeCmd)
	txCmd.AddCommand(txStatusCmd)
	rootCmd.AddCommand(txCmd)
}
