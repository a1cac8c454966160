// Radagast is a multi-provider AI orchestration gateway: one HTTP API in
// front of heterogeneous upstream backends with queueing, caching, retry
// and fallback.
package main

import (
	"flag"
	"fmt"
	"os"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "configs/radagast.yaml", "path to config file")
	listen := flag.String("listen", "", "override listen address from config")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("radagast", version)
		os.Exit(0)
	}

	if err := run(*configPath, *listen); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
