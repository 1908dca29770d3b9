// vaultpull fetches and decrypts a block-encrypted file from a signed
// manifest URL, resuming partially completed downloads across invocations.
package main

import (
	"fmt"
	"os"

	"github.com/rescale/rescale-int/internal/vaultcli"
)

// Version information, set at build time via -ldflags.
var (
	Version   = "v0.1.0-dev"
	BuildTime = "dev"
)

func main() {
	vaultcli.Version = Version
	vaultcli.BuildTime = BuildTime

	if err := vaultcli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "vaultpull: %v\n", err)
		os.Exit(1)
	}
}
