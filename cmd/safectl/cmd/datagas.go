package cmd

import (
	"fmt"

	"SafeTx-Relay/internal/safe/gas"

	"github.com/spf13/cobra"
)

var dataGasCmd = &cobra.Command{
	Use:   "datagas <hex>",
	Short: "计算十六进制 calldata 的 gas 成本",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintln(cmd.OutOrStdout(), gas.DataGasCost(args[0]))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(dataGasCmd)
}
