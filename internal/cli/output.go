package cli

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/schoolkiosk/kiosk-relay-go/internal/client"
	"github.com/schoolkiosk/kiosk-relay-go/internal/model"
)

var heartbeatInterval time.Duration

var outputCmd = &cobra.Command{
	Use:   "output",
	Short: "Act as a display: show a PIN and print control updates",
	Long: `Issue a PIN and stay connected as a display. Every page the paired
remote sends is printed as it arrives. Interrupt to disconnect.`,
	Args: cobra.NoArgs,
	RunE: runOutput,
}

func init() {
	outputCmd.Flags().DurationVar(&heartbeatInterval, "heartbeat", 30*time.Second, "Heartbeat interval")
}

func runOutput(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	device := client.NewOutputDevice(c, heartbeatInterval)
	issued, err := device.Start(ctx)
	if err != nil {
		return fmt.Errorf("issue pin: %w", err)
	}

	fmt.Printf("PIN %s  (session %s, expires %s)\n",
		issued.PIN, issued.SessionID, issued.ExpiresAt.Local().Format(time.Kitchen))

	for {
		select {
		case <-ctx.Done():
			if err := device.Close(commandContext(cmd)); err != nil {
				return fmt.Errorf("disconnect: %w", err)
			}
			fmt.Println("disconnected")
			return nil

		case u, ok := <-device.Updates():
			if !ok {
				reason, message := device.Reason()
				return fmt.Errorf("display stopped: %s", describeStop(reason, message))
			}
			printUpdate(u)
		}
	}
}

func printUpdate(u client.Update) {
	switch u.Type {
	case client.UpdatePaired:
		fmt.Printf("paired with %s\n", u.PeerSessionID)
	case client.UpdateControl:
		raw, err := model.EncodeControlPayload(u.Payload)
		if err != nil {
			fmt.Printf("page %s\n", u.Payload.Page())
			return
		}
		fmt.Printf("page %s\n", raw)
	case client.UpdateDisconnected:
		fmt.Printf("disconnected: %s\n", describeStop(u.Reason, u.Message))
	}
}

func describeStop(reason, message string) string {
	if message == "" {
		return reason
	}
	return fmt.Sprintf("%s (%s)", reason, message)
}
