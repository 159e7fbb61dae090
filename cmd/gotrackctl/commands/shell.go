package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func shellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Start an interactive session on the command socket",
		Long: "Connects once and keeps the session open, so stateful commands\n" +
			"(.use, .table, .raw) behave the way they do over a raw TCP client.\n" +
			"Type 'help' for the server's command list, 'exit' to leave.",
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			c, err := dial(serverAddr, password, responseTimeout)
			if err != nil {
				return err
			}
			defer c.close()

			fmt.Printf("Connected to %s. Type 'help' for commands, 'exit' to quit.\n\n", serverAddr)

			scanner := bufio.NewScanner(os.Stdin)
			fmt.Print("gotrack> ")

			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					fmt.Print("gotrack> ")
					continue
				}

				lines, err := c.roundTrip(line)
				if err != nil {
					return fmt.Errorf("send %q: %w", line, err)
				}
				for _, l := range lines {
					fmt.Println(l)
				}

				// The server answers exit with bye. and closes its end.
				if line == "exit" || line == "quit" {
					return nil
				}

				fmt.Print("gotrack> ")
			}

			if err := scanner.Err(); err != nil {
				return fmt.Errorf("read stdin: %w", err)
			}

			return nil
		},
	}
}
