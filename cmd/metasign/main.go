// Package main is a command line signer for microcredit meta-transactions.
//
//	metasign sign   -op request-loan -amount 1000 ...   print a signed body
//	metasign submit -op request-loan -amount 1000 ...   sign and post to a relay
//	metasign relayer -chain-id 31337                    show the relay's account
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/R3E-Network/microcredit_relay/internal/chain"
	"github.com/R3E-Network/microcredit_relay/pkg/relayclient"
)

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "metasign:", err)
		os.Exit(1)
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: metasign <sign|submit|relayer> [flags]")
	fmt.Fprintln(w, "operations: "+strings.Join(operations, ", "))
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(os.Stderr)
		return fmt.Errorf("subcommand required")
	}

	fs := flag.NewFlagSet(args[0], flag.ContinueOnError)
	var o options
	o.register(fs)
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	switch args[0] {
	case "sign":
		body, _, err := o.sign(ctx)
		if err != nil {
			return err
		}
		return writeJSON(out, body)
	case "submit":
		body, client, err := o.sign(ctx)
		if err != nil {
			return err
		}
		res, err := client.Submit(ctx, o.op, body)
		if err != nil {
			return err
		}
		return writeJSON(out, res)
	case "relayer":
		client := relayclient.NewClient(relayclient.ClientConfig{RelayURL: o.relayURL, Timeout: o.timeout}, nil)
		info, err := client.Relayer(ctx, o.chainID)
		if err != nil {
			return err
		}
		return writeJSON(out, info)
	default:
		usage(os.Stderr)
		return fmt.Errorf("unknown subcommand %q", args[0])
	}
}

type options struct {
	op       string
	rpcURL   string
	relayURL string
	contract string
	key      string
	ttl      time.Duration
	timeout  time.Duration
	chainID  uint64

	amount   string
	loanID   string
	to       string
	borrower string
	weight   string
	permit   bool
}

func (o *options) register(fs *flag.FlagSet) {
	fs.StringVar(&o.op, "op", "", "operation: "+strings.Join(operations, ", "))
	fs.StringVar(&o.rpcURL, "rpc", envOr("METASIGN_RPC_URL", "http://127.0.0.1:8545"), "RPC URL used to read nonces")
	fs.StringVar(&o.relayURL, "relay", envOr("METASIGN_RELAY_URL", "http://127.0.0.1:8080"), "relay base URL")
	fs.StringVar(&o.contract, "contract", os.Getenv("METASIGN_CONTRACT"), "DecentralizedMicrocredit address")
	fs.StringVar(&o.key, "key", "", "wallet private key (hex); defaults to $METASIGN_PRIVATE_KEY")
	fs.DurationVar(&o.ttl, "ttl", relayclient.DefaultTTL, "signature validity window")
	fs.DurationVar(&o.timeout, "timeout", 3*time.Minute, "relay request timeout")
	fs.Uint64Var(&o.chainID, "chain-id", 31337, "chain id for the relayer subcommand")

	fs.StringVar(&o.amount, "amount", "", "token amount (base units)")
	fs.StringVar(&o.loanID, "loan-id", "", "loan id")
	fs.StringVar(&o.to, "to", "", "recipient address (defaults to the wallet)")
	fs.StringVar(&o.borrower, "borrower", "", "borrower address (attest)")
	fs.StringVar(&o.weight, "weight", "", "attestation weight")
	fs.BoolVar(&o.permit, "permit", false, "attach a token permit (repay-loan)")
}

// sign dials the chain, builds the signer and signs the requested body.
func (o *options) sign(ctx context.Context) (interface{}, *relayclient.Client, error) {
	if o.op == "" {
		return nil, nil, fmt.Errorf("-op is required")
	}
	keyHex := o.key
	if keyHex == "" {
		keyHex = os.Getenv("METASIGN_PRIVATE_KEY")
	}
	if keyHex == "" {
		return nil, nil, fmt.Errorf("-key or METASIGN_PRIVATE_KEY is required")
	}
	key, err := chain.ParsePrivateKey(keyHex)
	if err != nil {
		return nil, nil, err
	}
	if !common.IsHexAddress(o.contract) {
		return nil, nil, fmt.Errorf("-contract must be a hex address")
	}

	dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	rpc, err := chain.Dial(dialCtx, chain.Config{RPCURL: o.rpcURL, Timeout: 30 * time.Second})
	if err != nil {
		return nil, nil, err
	}

	signer, err := relayclient.NewSigner(ctx, relayclient.SignerConfig{
		Key:      key,
		Chain:    rpc,
		Contract: common.HexToAddress(o.contract),
		TTL:      o.ttl,
	})
	if err != nil {
		return nil, nil, err
	}

	body, err := build(ctx, signer, o.op, o.params())
	if err != nil {
		return nil, nil, err
	}
	client := relayclient.NewClient(relayclient.ClientConfig{RelayURL: o.relayURL, Timeout: o.timeout}, signer)
	return body, client, nil
}

func (o *options) params() params {
	return params{
		Amount:   o.amount,
		LoanID:   o.loanID,
		To:       o.to,
		Borrower: o.borrower,
		Weight:   o.weight,
		Permit:   o.permit,
	}
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
