package cli

import (
	"github.com/spf13/cobra"
)

var tokenSearchType string

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Token directory commands",
}

var tokenFindCmd = &cobra.Command{
	Use:   "find <query>",
	Short: "Find a token by symbol, name or address",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().FindToken(cmd.Context(), args[0], tokenSearchType)
	},
}

var tokenRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Load the token directory and print its status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().RefreshTokens(cmd.Context())
	},
}

func init() {
	tokenFindCmd.Flags().StringVar(&tokenSearchType, "type", "", "Search by symbol, name or address")
	tokenCmd.AddCommand(tokenFindCmd, tokenRefreshCmd)
}
