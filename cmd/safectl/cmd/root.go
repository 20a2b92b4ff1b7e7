package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// rootCmd 是 safectl 的根命令，本身不执行任何动作。
var rootCmd = &cobra.Command{
	Use:   "safectl",
	Short: "Safe 交易中继运维工具",
	Long: `safectl 提供离线计算 safeTxHash、估算 calldata gas 以及管理任务库迁移的命令，
不需要启动 saferelayd 守护进程。`,
	SilenceUsage: true,
}

// Execute 执行根命令，出错时以非零状态退出。
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
