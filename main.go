// Entrypoint that delegates to the Cobra root command in cmd/root.go.
package main

import (
	"github.com/paged-kv/inference-core/cmd"
)

func main() {
	cmd.Execute()
}
