package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// clientsCmd lists every connection holding a slot, trackers and
// operator clients alike (the server's .lc listing).
func clientsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clients",
		Short: "List connections holding server slots",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			c, err := dial(serverAddr, password, responseTimeout)
			if err != nil {
				return err
			}
			defer c.close()

			lines, err := c.roundTrip(".lc")
			if err != nil {
				return fmt.Errorf("list clients: %w", err)
			}

			out, err := formatListing(lines, outputFormat)
			if err != nil {
				return fmt.Errorf("format clients: %w", err)
			}

			fmt.Print(out)

			return nil
		},
	}
}

// devicesCmd lists the connected trackers with their session counters
// (the server's .ld listing).
func devicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List connected trackers",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			c, err := dial(serverAddr, password, responseTimeout)
			if err != nil {
				return err
			}
			defer c.close()

			lines, err := c.roundTrip(".ld")
			if err != nil {
				return fmt.Errorf("list devices: %w", err)
			}

			out, err := formatListing(lines, outputFormat)
			if err != nil {
				return fmt.Errorf("format devices: %w", err)
			}

			fmt.Print(out)

			return nil
		},
	}
}
