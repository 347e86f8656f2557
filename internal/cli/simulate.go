package cli

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var (
	simulateQueryID   string
	simulateValue     float64
	simulateReference float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "模拟一次价值上报并触发评估与告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateQueryID == "" {
			return errors.New("--query-id 必须配置")
		}
		if simulateValue <= 0 || simulateReference <= 0 {
			return errors.New("--value 与 --reference 必须大于 0")
		}

		reported := decimal.NewFromFloat(simulateValue)
		ref := decimal.NewFromFloat(simulateReference)
		return getApp().SimulateAlert(cmd.Context(), simulateQueryID, reported, ref)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateQueryID, "query-id", "", "Query id of the feed to simulate")
	simulateCmd.Flags().Float64Var(&simulateValue, "value", 0, "模拟的上报值")
	simulateCmd.Flags().Float64Var(&simulateReference, "reference", 0, "模拟的参考价")
}
