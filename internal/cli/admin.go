package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/schoolkiosk/kiosk-relay-go/internal/client"
	"github.com/schoolkiosk/kiosk-relay-go/internal/model"
)

var (
	adminCode    string
	listRole     string
	listState    string
	listLimit    int
	kickMessage  string
	blockMessage string
)

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Administer sessions and the school-blocking flag",
	Long: `Administrative commands. Each one logs in with --code (env
KIOSK_ADMIN_CODE) and logs out when done.`,
}

var adminStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show session counts",
	Args:  cobra.NoArgs,
	RunE: withAdmin(func(cmd *cobra.Command, c *client.Client, args []string) error {
		stats, err := c.AdminStats(commandContext(cmd))
		if err != nil {
			return err
		}
		return printJSON(stats)
	}),
}

var adminSessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List sessions",
	Args:  cobra.NoArgs,
	RunE: withAdmin(func(cmd *cobra.Command, c *client.Client, args []string) error {
		sessions, err := c.AdminSessions(commandContext(cmd), model.ListSessionsParams{
			Role:  model.SessionRole(listRole),
			State: model.SessionState(listState),
			Limit: listLimit,
		})
		if err != nil {
			return err
		}

		fmt.Printf("%-36s  %-7s  %-9s  %-6s  %s\n", "SESSION", "ROLE", "STATE", "PIN", "PEER")
		for _, s := range sessions {
			peer := ""
			if s.PairedSessionID != nil {
				peer = *s.PairedSessionID
			}
			fmt.Printf("%-36s  %-7s  %-9s  %-6s  %s\n", s.ID, s.Role, s.State, s.PIN, peer)
		}
		return nil
	}),
}

var adminKickCmd = &cobra.Command{
	Use:   "kick <session-id>",
	Short: "Force-disconnect a session and its peer",
	Args:  cobra.ExactArgs(1),
	RunE: withAdmin(func(cmd *cobra.Command, c *client.Client, args []string) error {
		if err := c.AdminForceDisconnect(commandContext(cmd), args[0], kickMessage); err != nil {
			return err
		}
		fmt.Printf("removed %s\n", args[0])
		return nil
	}),
}

var adminBlockCmd = &cobra.Command{
	Use:       "block on|off",
	Short:     "Turn the school-blocking flag on or off",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"on", "off"},
	RunE: withAdmin(func(cmd *cobra.Command, c *client.Client, args []string) error {
		blocking, err := c.AdminSetSchoolBlocking(commandContext(cmd), args[0] == "on", blockMessage)
		if err != nil {
			return err
		}
		return printJSON(blocking)
	}),
}

// withAdmin wraps run in a login/logout pair.
func withAdmin(run func(cmd *cobra.Command, c *client.Client, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if adminCode == "" {
			return fmt.Errorf("admin code is required (--code or KIOSK_ADMIN_CODE)")
		}
		c, err := newClient()
		if err != nil {
			return err
		}

		ctx := commandContext(cmd)
		if err := c.AdminLogin(ctx, adminCode); err != nil {
			return fmt.Errorf("admin login: %w", err)
		}
		defer func() { _ = c.AdminLogout(ctx) }()

		return run(cmd, c, args)
	}
}

func init() {
	adminCmd.PersistentFlags().StringVar(&adminCode, "code", os.Getenv("KIOSK_ADMIN_CODE"), "Admin code")

	adminSessionsCmd.Flags().StringVar(&listRole, "role", "", "Filter by role (output, control)")
	adminSessionsCmd.Flags().StringVar(&listState, "state", "", "Filter by state (waiting, connected, expired)")
	adminSessionsCmd.Flags().IntVar(&listLimit, "limit", 50, "Maximum sessions to list")
	adminKickCmd.Flags().StringVar(&kickMessage, "message", "", "Notice shown to the remote")
	adminBlockCmd.Flags().StringVar(&blockMessage, "message", "", "Message shown while blocked")

	adminCmd.AddCommand(adminStatsCmd)
	adminCmd.AddCommand(adminSessionsCmd)
	adminCmd.AddCommand(adminKickCmd)
	adminCmd.AddCommand(adminBlockCmd)
}
