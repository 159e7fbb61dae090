// gotrackctl is the operator CLI for the gotrack daemon. It speaks the
// daemon's command-socket line protocol over TCP.
package main

import "github.com/tlundqvist/gotrack/cmd/gotrackctl/commands"

func main() {
	commands.Execute()
}
