// Command relayer-tool holds offline helpers to inspect the commitment tree
// and the withdrawal authorizations, and to query a running relayer.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"os"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/vocdoni/stx-mixer-relayer/api/client"
	"github.com/vocdoni/stx-mixer-relayer/crypto"
	"github.com/vocdoni/stx-mixer-relayer/crypto/hash/poseidon"
	"github.com/vocdoni/stx-mixer-relayer/log"
	"github.com/vocdoni/stx-mixer-relayer/secrets"
	"github.com/vocdoni/stx-mixer-relayer/signer"
	"github.com/vocdoni/stx-mixer-relayer/stacks"
	"github.com/vocdoni/stx-mixer-relayer/tree"
	"github.com/vocdoni/stx-mixer-relayer/types"
)

const usage = `usage: relayer-tool <command> [flags]

commands:
  root     compute the root of a leaves file
  proof    build the inclusion proof of a commitment in a leaves file
  address  derive the relayer address of a key
  sign     sign a withdrawal authorization
  note     derive the commitment and nullifier hash of a note
  status   query the stats of a running relayer
`

func main() {
	log.Init(log.LogLevelWarn, "stderr", nil)
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("%s", usage)
	}
	cmd, args := args[0], args[1:]
	switch cmd {
	case "root":
		return cmdRoot(ctx, args, out)
	case "proof":
		return cmdProof(ctx, args, out)
	case "address":
		return cmdAddress(ctx, args, out)
	case "sign":
		return cmdSign(ctx, args, out)
	case "note":
		return cmdNote(args, out)
	case "status":
		return cmdStatus(args, out)
	default:
		return fmt.Errorf("unknown command %q\n%s", cmd, usage)
	}
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// readLeaves reads one commitment per line. Empty lines and lines starting
// with # are ignored.
func readLeaves(path string) ([]string, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		fd, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer fd.Close()
		r = fd
	}
	var leaves []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		leaves = append(leaves, line)
	}
	return leaves, scanner.Err()
}

func buildTree(ctx context.Context, path string, depth int) (*tree.Tree, *poseidon.Engine, error) {
	leaves, err := readLeaves(path)
	if err != nil {
		return nil, nil, err
	}
	engine := poseidon.NewEngine(depth)
	if err := engine.Wait(ctx); err != nil {
		return nil, nil, err
	}
	t, err := tree.New(engine, depth)
	if err != nil {
		return nil, nil, err
	}
	if len(leaves) > 0 {
		if _, err := t.AddLeaves(leaves); err != nil {
			return nil, nil, err
		}
	}
	return t, engine, nil
}

func cmdRoot(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("root", flag.ContinueOnError)
	leaves := fs.String("leaves", "-", "leaves file, one commitment per line, - for stdin")
	depth := fs.Int("depth", types.TreeDepth, "tree depth")
	if err := fs.Parse(args); err != nil {
		return err
	}
	t, _, err := buildTree(ctx, *leaves, *depth)
	if err != nil {
		return err
	}
	root, count, err := t.RootAndCount()
	if err != nil {
		return err
	}
	return writeJSON(out, map[string]any{"root": root, "leaves": count})
}

func cmdProof(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("proof", flag.ContinueOnError)
	leaves := fs.String("leaves", "-", "leaves file, one commitment per line, - for stdin")
	commitment := fs.String("commitment", "", "commitment to prove")
	depth := fs.Int("depth", types.TreeDepth, "tree depth")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *commitment == "" {
		return fmt.Errorf("--commitment is required")
	}
	t, engine, err := buildTree(ctx, *leaves, *depth)
	if err != nil {
		return err
	}
	proof, err := t.Proof(*commitment)
	if err != nil {
		return err
	}
	ok, err := proof.Verify(engine)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("proof does not fold to the root")
	}
	return writeJSON(out, proof)
}

func loadSigner(ctx context.Context, key string) (*signer.Signer, error) {
	raw, err := (&secrets.Resolver{}).Resolve(ctx, key)
	if err != nil {
		return nil, err
	}
	return signer.New(raw)
}

func cmdAddress(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("address", flag.ContinueOnError)
	key := fs.String("key", "env:RELAYER_KEY", "private key: hex, env:NAME or aws:SECRET_ID")
	network := fs.String("network", stacks.Testnet.Name, "stacks network")
	if err := fs.Parse(args); err != nil {
		return err
	}
	n, err := stacks.NetworkByName(*network)
	if err != nil {
		return err
	}
	s, err := loadSigner(ctx, *key)
	if err != nil {
		return err
	}
	return writeJSON(out, map[string]any{
		"address":   s.Address(n.AddressVersion).String(),
		"publicKey": s.PublicKey(),
		"network":   n.Name,
	})
}

func cmdSign(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("sign", flag.ContinueOnError)
	key := fs.String("key", "env:RELAYER_KEY", "private key: hex, env:NAME or aws:SECRET_ID")
	nullifier := fs.String("nullifier", "", "nullifier hash, hex or decimal")
	recipient := fs.String("recipient", "", "recipient principal")
	amount := fs.Uint64("amount", 0, "amount in micro units")
	root := fs.String("root", "", "tree root, hex or decimal")
	if err := fs.Parse(args); err != nil {
		return err
	}
	s, err := loadSigner(ctx, *key)
	if err != nil {
		return err
	}
	n, err := signer.NormalizeField(*nullifier)
	if err != nil {
		return fmt.Errorf("nullifier: %w", err)
	}
	r, err := signer.NormalizeField(*root)
	if err != nil {
		return fmt.Errorf("root: %w", err)
	}
	signed, err := s.SignWithdrawal(n, *recipient, *amount, r)
	if err != nil {
		return err
	}
	return writeJSON(out, signed)
}

func cmdNote(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("note", flag.ContinueOnError)
	secret := fs.String("secret", "", "note secret, hex or decimal")
	amount := fs.Uint64("amount", 0, "amount in micro units")
	nonce := fs.String("nonce", "0", "note nonce, hex or decimal")
	recipient := fs.String("recipient", "", "withdrawal recipient principal, optional")
	if err := fs.Parse(args); err != nil {
		return err
	}
	sv, err := crypto.ParseField(*secret)
	if err != nil {
		return fmt.Errorf("secret: %w", err)
	}
	nv, err := crypto.ParseField(*nonce)
	if err != nil {
		return fmt.Errorf("nonce: %w", err)
	}
	commitment, err := poseidon.NoteCommitment(sv, new(big.Int).SetUint64(*amount), nv)
	if err != nil {
		return err
	}
	nullifier, err := poseidon.NullifierHash(sv, nv)
	if err != nil {
		return err
	}
	res := map[string]any{
		"commitment":    crypto.FieldToHex(commitment),
		"nullifierHash": crypto.FieldToHex(nullifier),
		"amount":        *amount,
	}
	if *recipient != "" {
		p, err := stacks.ParsePrincipal(*recipient)
		if err != nil {
			return fmt.Errorf("recipient: %w", err)
		}
		field, err := signer.RecipientField(p)
		if err != nil {
			return err
		}
		// proof input, decimal as the provers expect it
		res["recipientSignal"] = field.String()
	}
	return writeJSON(out, res)
}

func cmdStatus(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	url := fs.String("url", "http://127.0.0.1:3001", "relayer API URL")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cli, err := client.New(*url)
	if err != nil {
		return err
	}
	stats, err := cli.Stats()
	if err != nil {
		return err
	}
	return writeJSON(out, stats)
}
