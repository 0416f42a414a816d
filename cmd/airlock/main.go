package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/quailyquaily/airlock/operator"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	os.Exit(execute())
}

func execute() int {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		output, _ := rootCmd.PersistentFlags().GetString("output")
		if output == "json" {
			errObj := map[string]any{"error": err.Error()}
			var apiErr *operator.APIError
			if errors.As(err, &apiErr) {
				errObj["http_status"] = apiErr.Status
				if apiErr.Field != "" {
					errObj["field"] = apiErr.Field
				}
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			_ = enc.Encode(errObj)
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		return 1
	}
	return 0
}
