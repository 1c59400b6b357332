// biddy ledger daemon.
//
// Usage:
//
//	biddyd [--mine --keyfile=...]  Run node
//	biddyd --help                  Show help
//
// The keyfile passphrase is read from BIDDY_PASSPHRASE or prompted for.
package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	"github.com/biddy-ledger/biddy/config"
	"github.com/biddy-ledger/biddy/internal/node"
)

func main() {
	cfg, _, err := config.Load(os.Args[1:])
	if errors.Is(err, config.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	var passphrase []byte
	if cfg.Mining.Enabled {
		passphrase, err = readPassphrase()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}

	n, err := node.New(cfg, passphrase)
	for i := range passphrase {
		passphrase[i] = 0
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := n.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		n.Stop()
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	n.Stop()
}

func readPassphrase() ([]byte, error) {
	if p, ok := os.LookupEnv("BIDDY_PASSPHRASE"); ok {
		return []byte(p), nil
	}
	if !term.IsTerminal(int(syscall.Stdin)) {
		return nil, errors.New("keyfile passphrase required: set BIDDY_PASSPHRASE")
	}
	fmt.Fprint(os.Stderr, "Keyfile passphrase: ")
	p, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("read passphrase: %w", err)
	}
	return p, nil
}
