// Command mailcore operates the core's own lifecycle: configuration and
// a read-only status surface. It does not itself implement MailClient,
// ChatWindow, Identity, or LLMTransport — those are external
// collaborators (§1) a host process embedding this module supplies when
// it builds a coordinator.Coordinator. This binary exists for config
// management and operational introspection, in the spirit of the
// reference daemon's CLI dispatch shape, trimmed to what a library core
// can honestly run standalone.
package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/allaspectsdev/mailcore/internal/config"
	"github.com/allaspectsdev/mailcore/internal/version"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "init-config":
		cmdInitConfig()
	case "config-path":
		cmdConfigPath()
	case "status":
		cmdStatus(os.Args[2:])
	case "version":
		fmt.Println(version.String())
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Usage: mailcore <command> [options]

Commands:
  init-config   Write the default config file if one doesn't exist
  config-path   Print the path of the currently loaded config file
  status        Query a running instance's status endpoint
  version       Print version information
  help          Show this help message

Options (with 'status'):
  --addr <host:port>   Status endpoint address (default 127.0.0.1:8787)`)
}

func cmdInitConfig() {
	if err := config.InitConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("config written")
}

func cmdConfigPath() {
	if _, err := config.Load(""); err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(config.ConfigFilePath())
}

func cmdStatus(args []string) {
	addr := "127.0.0.1:8787"
	for i, a := range args {
		if a == "--addr" && i+1 < len(args) {
			addr = args[i+1]
		}
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + addr + "/status")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error reading response: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(body))
}
