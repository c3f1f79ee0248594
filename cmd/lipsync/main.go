// cortex-lipsync drives avatar mouth shapes from speech audio.
package main

import (
	"os"

	"github.com/normanking/cortexlipsync/cmd/lipsync/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
