package cli

import (
	"github.com/spf13/cobra"
)

var alertDryRun bool

var alertCmd = &cobra.Command{
	Use:   "alert",
	Short: "Yield alert commands",
}

var alertCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "立即执行一次收益告警检查",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().CheckAlerts(cmd.Context(), alertDryRun)
	},
}

func init() {
	alertCheckCmd.Flags().BoolVar(&alertDryRun, "dry-run", false, "只打印待告警的机会，不发送")
	alertCmd.AddCommand(alertCheckCmd)
}
