// Command researchq runs the research task API, its workers and maintenance
// tasks.
package main

import (
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
