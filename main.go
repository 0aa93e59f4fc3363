// The main package for the crawlgate executable.
package main

import (
	"github.com/coldbrook/crawlgate/cmd"
)

func main() {
	cmd.Execute()
}
