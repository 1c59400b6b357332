// biddy-cli is a command-line client for a biddyd node and its author keyfile.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"golang.org/x/term"

	"github.com/biddy-ledger/biddy/config"
	"github.com/biddy-ledger/biddy/internal/identity"
	"github.com/biddy-ledger/biddy/internal/rpc"
	"github.com/biddy-ledger/biddy/internal/rpcclient"
	"github.com/biddy-ledger/biddy/pkg/block"
	"github.com/biddy-ledger/biddy/pkg/message"
	"github.com/biddy-ledger/biddy/pkg/types"
)

// globals are the flags accepted before the subcommand.
type globals struct {
	rpcURL  string
	keyfile string
}

func defaultGlobals() globals {
	cfg := config.Default()
	return globals{
		rpcURL:  fmt.Sprintf("http://%s:%d", cfg.RPC.Addr, cfg.RPC.Port),
		keyfile: cfg.KeyfilePath(),
	}
}

// parseGlobals consumes --rpc and --keyfile ahead of the subcommand and
// returns the remaining arguments.
func parseGlobals(args []string) (globals, []string) {
	g := defaultGlobals()
	for len(args) > 0 {
		switch {
		case args[0] == "--rpc" && len(args) > 1:
			g.rpcURL = args[1]
			args = args[2:]
		case strings.HasPrefix(args[0], "--rpc="):
			g.rpcURL = args[0][len("--rpc="):]
			args = args[1:]
		case args[0] == "--keyfile" && len(args) > 1:
			g.keyfile = args[1]
			args = args[2:]
		case strings.HasPrefix(args[0], "--keyfile="):
			g.keyfile = args[0][len("--keyfile="):]
			args = args[1:]
		default:
			return g, args
		}
	}
	return g, args
}

func main() {
	g, args := parseGlobals(os.Args[1:])
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	client := rpcclient.New(g.rpcURL)
	cmd := args[0]
	cmdArgs := args[1:]

	switch cmd {
	case "keygen":
		cmdKeygen(cmdArgs, g.keyfile)
	case "address":
		cmdAddress(g.keyfile)
	case "status":
		cmdStatus(client)
	case "block":
		cmdBlock(client, cmdArgs)
	case "read":
		cmdRead(client, cmdArgs, g.keyfile)
	case "checkpoints":
		cmdCheckpoints(client)
	case "send":
		cmdSend(client, cmdArgs, g.keyfile)
	case "post":
		cmdPost(client, cmdArgs)
	case "mempool":
		cmdMempool(client)
	case "peers":
		cmdPeers(client)
	case "bans":
		cmdBans(client)
	case "help", "--help", "-h":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: biddy-cli [global flags] <command> [flags]

Global flags:
  --rpc <url>         RPC endpoint (default: http://127.0.0.1:4249)
  --keyfile <path>    Author keyfile (default: ~/.biddy/identity.json)

Commands:
  keygen [--mnemonic "..."]       Create an author keyfile
  address                         Show the keyfile's author key
  status                          Show chain status
  block <hash>                    Show a block from memory or checkpoints
  read <hash>                     Verify and decrypt a message block
  checkpoints                     List checkpoint files
  send --to <key> --text <t> [--plain] [--unsigned]
                                  Submit a message (encrypted and signed by default)
  post <text>                     Submit a plain text payload
  mempool                         Show pending payloads
  peers                           Show connected peers
  bans                            Show banned peers
`)
}

// ── keygen ──────────────────────────────────────────────────────────────

func cmdKeygen(args []string, keyfile string) {
	fs := flag.NewFlagSet("keygen", flag.ExitOnError)
	mnemonic := fs.String("mnemonic", "", "Restore from a BIP-39 mnemonic instead of generating one")
	fs.Parse(args)

	words := *mnemonic
	if words == "" {
		var err error
		words, err = identity.GenerateMnemonic()
		if err != nil {
			fatal("generate mnemonic: %v", err)
		}
		pterm.Warning.Println("Mnemonic (write this down, it restores the author key):")
		fmt.Printf("  %s\n\n", words)
	} else if !identity.ValidateMnemonic(words) {
		fatal("invalid mnemonic")
	}

	password, err := readPassword("Enter passphrase: ")
	if err != nil {
		fatal("read passphrase: %v", err)
	}
	confirm, err := readPassword("Confirm passphrase: ")
	if err != nil {
		fatal("read passphrase: %v", err)
	}
	if string(password) != string(confirm) {
		fatal("passphrases do not match")
	}

	seed, err := identity.SeedFromMnemonic(words, "")
	if err != nil {
		fatal("derive seed: %v", err)
	}
	id, err := identity.Create(keyfile, seed, password, identity.DefaultParams())
	for i := range seed {
		seed[i] = 0
	}
	if err != nil {
		fatal("create keyfile: %v", err)
	}

	pterm.Success.Printfln("Keyfile written to %s", keyfile)
	fmt.Printf("Author:  %s\n", id.AuthorKey())
}

func cmdAddress(keyfile string) {
	key, err := identity.ReadAuthorKey(keyfile)
	if err != nil {
		fatal("read keyfile: %v", err)
	}
	fmt.Println(key)
}

// ── status ──────────────────────────────────────────────────────────────

func cmdStatus(client *rpcclient.Client) {
	info, err := client.ChainInfo()
	if err != nil {
		fatal("chain_getInfo: %v", err)
	}

	if info.Author != "" {
		fmt.Printf("Author:     %s\n", info.Author)
	}
	if info.HasTip {
		fmt.Printf("Tip:        %d %s\n", info.TipID, info.TipHash)
	} else {
		fmt.Printf("Tip:        none\n")
	}
	if info.HasAnchor {
		fmt.Printf("Anchor:     %d %s\n", info.AnchorID, info.AnchorHash)
	}
	fmt.Printf("Pending:    %d/%d\n", info.Pending, info.Threshold)
	fmt.Printf("Mined:      %d (rejected %d)\n", info.Mined, info.Rejected)
	if info.FlushError != "" {
		pterm.Error.Printfln("Last flush failed: %s", info.FlushError)
	}

	peers, err := client.PeerInfo()
	if err != nil {
		fatal("net_getPeerInfo: %v", err)
	}
	fmt.Printf("Peers:      %d\n", peers.Count)
}

// ── block / read ────────────────────────────────────────────────────────

func fetchBlock(client *rpcclient.Client, args []string, usageLine string) *rpc.BlockResult {
	if len(args) < 1 {
		fatal("Usage: %s", usageLine)
	}
	hash, err := types.HexToHash(args[0])
	if err != nil {
		fatal("invalid hash: %v", err)
	}
	res, err := client.GetBlock(hash)
	if err != nil {
		fatal("chain_getBlock: %v", err)
	}
	return res
}

func cmdBlock(client *rpcclient.Client, args []string) {
	res := fetchBlock(client, args, "biddy-cli block <hash>")
	printBlock(res)
}

func printBlock(res *rpc.BlockResult) {
	b := res.Block
	prev := "none"
	if b.HasPrev() {
		prev = b.PrevHash.String()
	}
	fmt.Printf("Hash:      %s\n", b.Hash)
	fmt.Printf("Sequence:  %d\n", b.SequenceID)
	fmt.Printf("Prev:      %s\n", prev)
	fmt.Printf("Author:    %s\n", b.AuthorKey)
	fmt.Printf("Seed:      %d\n", b.Seed)
	fmt.Printf("Location:  %s\n", res.Location)
	if b.Payload != nil {
		fmt.Printf("Kind:      %s\n", b.Payload.Kind())
		if t, ok := b.Payload.(*block.Text); ok {
			fmt.Printf("Text:      %s\n", string(*t))
		}
	}
}

func cmdRead(client *rpcclient.Client, args []string, keyfile string) {
	res := fetchBlock(client, args, "biddy-cli read <hash>")
	printBlock(res)

	msg, ok := res.Block.Payload.(*message.Message)
	if !ok {
		return
	}
	fmt.Printf("From:      %s\n", msg.From)
	fmt.Printf("To:        %s\n", msg.To)
	if err := msg.Verify(); err != nil {
		if errors.Is(err, message.ErrNoSignature) {
			pterm.Warning.Println("Message is not signed")
		} else {
			pterm.Error.Printfln("Signature check failed: %v", err)
		}
	} else {
		pterm.Success.Println("Signature valid")
	}
	if !msg.IsSealed() {
		fmt.Printf("Text:      %s\n", msg.Text)
		return
	}

	id := unlock(keyfile)
	defer id.PrivateKey().Zero()
	if id.AuthorKey() != msg.To {
		fatal("message is addressed to %s, not this keyfile", msg.To)
	}
	if err := msg.Decrypt(id.PrivateKey()); err != nil {
		fatal("decrypt: %v", err)
	}
	fmt.Printf("Text:      %s\n", msg.Text)
}

// ── checkpoints ─────────────────────────────────────────────────────────

func cmdCheckpoints(client *rpcclient.Client) {
	res, err := client.Checkpoints()
	if err != nil {
		fatal("checkpoint_list: %v", err)
	}
	if res.Count == 0 {
		fmt.Println("No checkpoints")
		return
	}

	data := pterm.TableData{{"File", "Blocks", "Range", "Tip", "Size", "Zstd", "Created"}}
	for _, e := range res.Checkpoints {
		data = append(data, []string{
			e.File,
			strconv.Itoa(e.Blocks),
			fmt.Sprintf("%d-%d", e.MinID, e.MaxID),
			e.Tip.Short(),
			strconv.FormatInt(e.Size, 10),
			strconv.FormatBool(e.Compressed),
			time.Unix(e.CreatedAt, 0).UTC().Format("2006-01-02 15:04:05"),
		})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		fatal("render: %v", err)
	}
}

// ── send / post ─────────────────────────────────────────────────────────

func cmdSend(client *rpcclient.Client, args []string, keyfile string) {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	to := fs.String("to", "", "Recipient author key (hex)")
	text := fs.String("text", "", "Message text")
	plain := fs.Bool("plain", false, "Do not encrypt")
	unsigned := fs.Bool("unsigned", false, "Do not sign")
	fs.Parse(args)

	if *to == "" || *text == "" {
		fatal("Usage: biddy-cli send --to <key> --text <text> [--plain] [--unsigned]")
	}

	from, err := identity.ReadAuthorKey(keyfile)
	if err != nil {
		fatal("read keyfile: %v", err)
	}
	msg := message.New(strings.ToLower(*to), from, *text)
	if !*plain {
		if err := msg.Encrypt(); err != nil {
			fatal("encrypt: %v", err)
		}
	}
	if !*unsigned {
		id := unlock(keyfile)
		err := msg.Sign(id.PrivateKey())
		id.PrivateKey().Zero()
		if err != nil {
			fatal("sign: %v", err)
		}
	}

	res, err := client.Submit(message.Kind, msg)
	if err != nil {
		fatal("message_submit: %v", err)
	}
	fmt.Printf("Submitted: %s\n", res.ID)
	fmt.Printf("Relayed:   %d peers\n", res.Relayed)
}

func cmdPost(client *rpcclient.Client, args []string) {
	if len(args) < 1 {
		fatal("Usage: biddy-cli post <text>")
	}
	res, err := client.Submit(block.KindText, strings.Join(args, " "))
	if err != nil {
		fatal("message_submit: %v", err)
	}
	fmt.Printf("Submitted: %s\n", res.ID)
}

// ── mempool / peers / bans ──────────────────────────────────────────────

func cmdMempool(client *rpcclient.Client) {
	var info rpc.MempoolInfoResult
	if err := client.Call("mempool_getInfo", nil, &info); err != nil {
		fatal("mempool_getInfo: %v", err)
	}
	fmt.Printf("Pending:  %d\n", info.Count)
	fmt.Printf("Capacity: %d\n", info.Capacity)
}

func cmdPeers(client *rpcclient.Client) {
	node, err := client.NodeInfo()
	if err != nil {
		fatal("net_getNodeInfo: %v", err)
	}
	if node.ID != "" {
		fmt.Printf("Node ID: %s\n", node.ID)
		for _, a := range node.Addrs {
			fmt.Printf("  %s\n", a)
		}
	}

	res, err := client.PeerInfo()
	if err != nil {
		fatal("net_getPeerInfo: %v", err)
	}
	if res.Count == 0 {
		fmt.Println("No peers connected")
		return
	}
	data := pterm.TableData{{"Peer", "Source", "Connected", "Author", "Tip"}}
	for _, p := range res.Peers {
		tip := "-"
		if p.TipID != nil {
			tip = strconv.FormatUint(uint64(*p.TipID), 10)
		}
		author := "-"
		if p.Author != "" {
			author = p.Author
			if len(author) > 16 {
				author = author[:16] + "..."
			}
		}
		data = append(data, []string{p.ID, p.Source, p.ConnectedAt, author, tip})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		fatal("render: %v", err)
	}
}

func cmdBans(client *rpcclient.Client) {
	var res rpc.BanListResult
	if err := client.Call("net_getBanList", nil, &res); err != nil {
		fatal("net_getBanList: %v", err)
	}
	if res.Count == 0 {
		fmt.Println("No banned peers")
		return
	}
	data := pterm.TableData{{"Peer", "Reason", "Score", "Expires"}}
	for _, b := range res.Bans {
		data = append(data, []string{
			b.ID,
			b.Reason,
			strconv.Itoa(b.Score),
			time.Unix(b.ExpiresAt, 0).UTC().Format("2006-01-02 15:04:05"),
		})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		fatal("render: %v", err)
	}
}

// ── Helpers ─────────────────────────────────────────────────────────────

// unlock prompts for the passphrase and decrypts the keyfile.
func unlock(keyfile string) *identity.Identity {
	password, err := readPassword("Keyfile passphrase: ")
	if err != nil {
		fatal("read passphrase: %v", err)
	}
	id, err := identity.Load(keyfile, password)
	for i := range password {
		password[i] = 0
	}
	if err != nil {
		fatal("unlock keyfile: %v", err)
	}
	return id
}

func readPassword(prompt string) ([]byte, error) {
	if p, ok := os.LookupEnv("BIDDY_PASSPHRASE"); ok {
		return []byte(p), nil
	}
	fmt.Fprint(os.Stderr, prompt)
	password, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr) // newline after hidden input
	if err != nil {
		return nil, err
	}
	return password, nil
}

func fatal(format string, args ...interface{}) {
	pterm.Error.Printfln(format, args...)
	os.Exit(1)
}
