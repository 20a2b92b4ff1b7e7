package cmd

import (
	"fmt"
	"os"

	"SafeTx-Relay/internal/storage/mysql"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "管理 relay_jobs 表的数据库迁移",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "应用全部未执行的迁移",
	RunE: func(cmd *cobra.Command, args []string) error {
		return reportVersion(cmd, mysql.MigrateUp)
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "回滚全部迁移",
	RunE: func(cmd *cobra.Command, args []string) error {
		return reportVersion(cmd, mysql.MigrateDown)
	},
}

var migrateForceCmd = &cobra.Command{
	Use:   "force",
	Short: "强制设置迁移版本并清除 dirty 标记",
	RunE: func(cmd *cobra.Command, args []string) error {
		version, _ := cmd.Flags().GetInt("version")
		if version < 0 {
			return fmt.Errorf("force 需要 --version")
		}
		return reportVersion(cmd, func(dsn string) (uint, error) {
			return mysql.MigrateForce(dsn, version)
		})
	},
}

func reportVersion(cmd *cobra.Command, step func(dsn string) (uint, error)) error {
	dsn, _ := cmd.Flags().GetString("dsn")
	if dsn == "" {
		dsn = os.Getenv("SAFERELAY_STORAGE_JOB_STORE_DSN")
	}
	if dsn == "" {
		return fmt.Errorf("缺少 --dsn 或 SAFERELAY_STORAGE_JOB_STORE_DSN")
	}
	version, err := step(dsn)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "当前迁移版本: %d\n", version)
	return nil
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.PersistentFlags().String("dsn", "", "MySQL DSN，例如 user:pass@tcp(127.0.0.1:3306)/saferelay?parseTime=true")
	migrateForceCmd.Flags().Int("version", -1, "目标迁移版本")
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateForceCmd)
}
