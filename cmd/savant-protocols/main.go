// Command savant-protocols lints a protocol document offline, applying the
// same schema and referential-integrity checks the agent applies at load.
package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/savantlabs/savant/internal/protocol"
)

func main() {
	if err := run(os.Args[1:], os.Stdout, time.Now); err != nil {
		fmt.Fprintf(os.Stderr, "savant-protocols: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer, _ func() time.Time) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		printUsage(stdout)
		if len(args) == 0 {
			return fmt.Errorf("a protocol document path is required")
		}
		return nil
	}

	path := args[0]
	loaded, err := protocol.LoadFile(path)
	if err != nil {
		return err
	}

	for _, rejected := range loaded.Rejected {
		fmt.Fprintf(stdout, "REJECT %v\n", rejected)
	}
	for _, proto := range loaded.Protocols {
		fmt.Fprintf(stdout, "OK     %s (%s): %d steps, entry %s\n",
			proto.ID, proto.Name, len(proto.Tree), proto.EntryStepID())
	}
	fmt.Fprintf(stdout, "%d accepted, %d rejected\n", len(loaded.Protocols), len(loaded.Rejected))

	if len(loaded.Rejected) > 0 {
		return fmt.Errorf("%d protocol(s) failed validation", len(loaded.Rejected))
	}
	return nil
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "savant-protocols usage:")
	fmt.Fprintln(w, "  savant-protocols <protocols.json>")
	fmt.Fprintln(w, "Validates the document schema and every protocol's step references.")
}
