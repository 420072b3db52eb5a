package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/schoolkiosk/kiosk-relay-go/internal/model"
)

var (
	controlSessionID string
	pairingToken     string
	page             pageFlags
)

var pairCmd = &cobra.Command{
	Use:   "pair <pin>",
	Short: "Pair with the display showing a PIN",
	Long: `Claim the display showing <pin> and print the capability. Pass the
controlSessionId and pairingToken to "send" and "disconnect".`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		capability, err := c.Pair(commandContext(cmd), args[0])
		if err != nil {
			return fmt.Errorf("pair: %w", err)
		}
		return printJSON(capability)
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <page>",
	Short: "Send a page to the paired display",
	Long: `Send a page to the display paired with --session.

Pages: main, schedule, meal, roadmap, announcement, connectionInfo.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := page.payload(args[0])
		if err != nil {
			return err
		}

		c, err := newClient()
		if err != nil {
			return err
		}
		at, err := c.Send(commandContext(cmd), model.Capability{
			ControlSessionID: controlSessionID,
			PairingToken:     pairingToken,
		}, payload)
		if err != nil {
			return fmt.Errorf("send: %w", err)
		}
		fmt.Printf("sent %s at %s\n", payload.Page(), at.Local().Format(time.RFC3339))
		return nil
	},
}

var disconnectCmd = &cobra.Command{
	Use:   "disconnect <session-id>",
	Short: "Disconnect a session and its peer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		if err := c.Disconnect(commandContext(cmd), args[0], pairingToken); err != nil {
			return fmt.Errorf("disconnect: %w", err)
		}
		fmt.Println("disconnected")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <session-id>",
	Short: "Show a session and the school-blocking flag",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx := commandContext(cmd)

		session, err := c.GetSession(ctx, args[0])
		if err != nil {
			return fmt.Errorf("get session: %w", err)
		}
		blocking, err := c.SchoolBlocking(ctx)
		if err != nil {
			return fmt.Errorf("school blocking: %w", err)
		}
		return printJSON(map[string]any{
			"session":        session,
			"schoolBlocking": blocking,
		})
	},
}

func init() {
	sendCmd.Flags().StringVar(&controlSessionID, "session", "", "Control session id from pair")
	sendCmd.Flags().StringVar(&pairingToken, "token", "", "Pairing token from pair")
	_ = sendCmd.MarkFlagRequired("session")
	_ = sendCmd.MarkFlagRequired("token")
	page.register(sendCmd)

	disconnectCmd.Flags().StringVar(&pairingToken, "token", "", "Pairing token (control sessions only)")
}
