package cliutil

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/tombee/catalyst/pkg/playbook"
)

// PrintResult writes an ExecutionResult to w, either as pretty JSON
// (when jsonOutput is set, matching the CLI's --json flag) or as a
// short human-readable summary for an interactive terminal.
func PrintResult(w io.Writer, result *playbook.ExecutionResult, jsonOutput bool) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	fmt.Fprintf(w, "run:    %s\n", result.RunID)
	fmt.Fprintf(w, "status: %s\n", result.Status)
	fmt.Fprintf(w, "steps:  %d executed\n", result.StepsExecuted)
	if result.Error != nil {
		fmt.Fprintf(w, "error:  %v\n", result.Error)
	}
	return nil
}
