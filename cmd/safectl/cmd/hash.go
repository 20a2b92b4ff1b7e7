package cmd

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"

	"SafeTx-Relay/internal/safe"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
)

var hashCmd = &cobra.Command{
	Use:   "hash",
	Short: "离线计算 Safe 交易的 EIP-712 文档与 safeTxHash",
	Long:  `读取交易 JSON 文件 (to/value/data/operation/nonce 等字段)，输出待签名的 typed data 与摘要。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		inputFile, _ := cmd.Flags().GetString("input")
		safeAddr, _ := cmd.Flags().GetString("safe")
		chainID, _ := cmd.Flags().GetInt64("chain-id")

		if !common.IsHexAddress(safeAddr) {
			return fmt.Errorf("Safe 地址无效: %q", safeAddr)
		}
		data, err := os.ReadFile(inputFile)
		if err != nil {
			return fmt.Errorf("读取交易文件失败: %w", err)
		}
		var req safe.Request
		if err := json.Unmarshal(data, &req); err != nil {
			return fmt.Errorf("解析交易文件失败: %w", err)
		}
		tx, err := safe.Validate(req)
		if err != nil {
			return err
		}
		if tx.Nonce == nil {
			return fmt.Errorf("交易文件缺少 nonce")
		}

		var domainChainID *big.Int
		if chainID > 0 {
			domainChainID = big.NewInt(chainID)
		}
		doc := tx.TypedData(common.HexToAddress(safeAddr), domainChainID)
		digest, err := doc.Hash()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(doc); err != nil {
			return err
		}
		fmt.Fprintf(out, "safeTxHash: %s\n", digest.Hex())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(hashCmd)
	hashCmd.Flags().StringP("input", "i", "safe_tx.json", "交易 JSON 文件路径")
	hashCmd.Flags().String("safe", "", "Safe 合约地址")
	hashCmd.Flags().Int64("chain-id", 0, "写入 EIP-712 domain 的链 ID (Safe >= 1.3.0)，0 表示不写入")
	_ = hashCmd.MarkFlagRequired("safe")
}
