// Command hbsim drives the hyperband schedulers against a synthetic objective
// with concurrent simulated workers. It is a playground for tuning scheduler
// settings, and an end-to-end exercise of snapshots.
//
// Usage example:
//
//	hbsim space -f space.yaml --sample 3
//	hbsim simulate -f space.yaml --scheduler asha --max-t 81 --trials 200 --workers 8
//	hbsim simulate -f space.yaml --scheduler hyperband-sync --batch-size 4 --snapshot-out state.bin
package main

import (
	"os"
)

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
