package commands

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// errRetargetFailed wraps the server's refusal to retarget, usually
// because the tracker is not connected.
var errRetargetFailed = errors.New("retarget failed")

func sendCmd() *cobra.Command {
	var device uint32

	cmd := &cobra.Command{
		Use:   "send <command>...",
		Short: "Send one command line to the daemon",
		Long: "Sends a single command over the command socket and prints the response.\n\n" +
			"The dispatch target is connection state, so device commands go to the\n" +
			"default target (usb0) unless --device retargets the connection first.\n\n" +
			"Examples:\n" +
			"  gotrackctl send .ld\n" +
			"  gotrackctl send db size\n" +
			"  gotrackctl send --device 1048595 get bat",
		Args: cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			c, err := dial(serverAddr, password, responseTimeout)
			if err != nil {
				return err
			}
			defer c.close()

			if device != 0 {
				if err := retarget(c, device); err != nil {
					return err
				}
			}

			line := strings.Join(args, " ")

			lines, err := c.roundTrip(line)
			if err != nil {
				return fmt.Errorf("send %q: %w", line, err)
			}

			out, err := formatResponse(line, lines, outputFormat)
			if err != nil {
				return fmt.Errorf("format response: %w", err)
			}

			fmt.Print(out)

			return nil
		},
	}

	cmd.Flags().Uint32Var(&device, "device", 0,
		"target a connected tracker before sending (.use <device-id>)")

	return cmd
}

// retarget points the connection's dispatch target at a tracker. The
// server answers a refusal in prose; anything but a confirmation is
// treated as one.
func retarget(c *client, device uint32) error {
	lines, err := c.roundTrip(fmt.Sprintf(".use %d", device))
	if err != nil {
		return fmt.Errorf("retarget to device %d: %w", device, err)
	}
	if len(lines) != 1 || !strings.HasPrefix(lines[0], "target set") {
		return fmt.Errorf("%w: %s", errRetargetFailed, strings.Join(lines, " "))
	}
	return nil
}
