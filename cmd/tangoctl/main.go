// Command tangoctl is the broker's operator shell: an interactive REPL
// over the façade's HTTP API, grounded on the teacher's cmd/fuzoj-cli
// (flag-parsed base URL and state file, httpclient.Client + repl.Session
// wiring), rebuilt against tangoctl's own command.Registry.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"tango/internal/cli/command"
	"tango/internal/cli/httpclient"
	"tango/internal/cli/repl"
	"tango/internal/cli/state"
)

func main() {
	baseURL := flag.String("base", "http://127.0.0.1:8080", "tango-server base URL")
	statePath := flag.String("state", defaultStatePath(), "path to persisted session state")
	pretty := flag.Bool("pretty", true, "pretty-print JSON responses")
	flag.Parse()

	keyState, err := state.Load(*statePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load session state failed: %v\n", err)
		os.Exit(1)
	}
	effectiveBase := *baseURL
	if keyState.BaseURL != "" && !flagSet("base") {
		effectiveBase = keyState.BaseURL
	}

	client := httpclient.New(effectiveBase, 0)
	client.SetAccessKey(keyState.AccessKey)

	session, err := repl.New(client, command.Registry(), keyState, *statePath, *pretty)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init repl failed: %v\n", err)
		os.Exit(1)
	}
	defer session.Close()

	session.Run(context.Background())
}

func flagSet(name string) bool {
	found := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

func defaultStatePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tangoctl.json"
	}
	return filepath.Join(home, ".tangoctl.json")
}
