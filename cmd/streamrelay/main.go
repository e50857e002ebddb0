// Command streamrelay accepts telephony media-stream websockets and relays
// their audio to a live speech-to-text service, logging the transcripts.
//
// Usage:
//
//	streamrelay [flags] <command>
//
// Commands:
//
//	serve      - Run the relay server
//	dial       - Place a call that streams into a running relay
//	version    - Show version information
package main

import (
	"fmt"
	"os"

	"github.com/harunnryd/streamrelay/cmd/streamrelay/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
