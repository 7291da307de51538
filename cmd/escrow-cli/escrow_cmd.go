package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"math/big"
	"strings"

	"escrowchain/core/types"
	"escrowchain/crypto"
)

func runEscrowCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, escrowUsage())
		return 1
	}

	switch args[0] {
	case "create":
		return runEscrowCreate(args[1:], stdout, stderr)
	case "get":
		return runEscrowGet(args[1:], stdout, stderr)
	case "deposit":
		return runEscrowDeposit(args[1:], stdout, stderr)
	case "confirm":
		return runEscrowAction(args[1:], stdout, stderr, "escrow confirm", types.TxTypeConfirmDelivery)
	case "refund":
		return runEscrowAction(args[1:], stdout, stderr, "escrow refund", types.TxTypeRefundBuyer)
	default:
		fmt.Fprintf(stderr, "Unknown escrow subcommand: %s\n", args[0])
		fmt.Fprintln(stderr, escrowUsage())
		return 1
	}
}

func escrowUsage() string {
	return strings.TrimSpace(`Usage:
  escrow-cli escrow <command> [flags]

Commands:
  create   Deploy a new escrow for --buyer, --seller and --arbiter
  get      Fetch escrow details by --id
  deposit  Fund an escrow as the buyer (--amount)
  confirm  Confirm delivery as the buyer, releasing funds to the seller
  refund   Refund the buyer as the arbiter
`)
}

func newEscrowFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, escrowUsage())
	}
	return fs
}

func runEscrowCreate(args []string, stdout, stderr io.Writer) int {
	fs := newEscrowFlagSet("escrow create", stderr)
	var keyFile, buyer, seller, arbiter string
	fs.StringVar(&keyFile, "key", "wallet.key", "signing key of the deployer")
	fs.StringVar(&buyer, "buyer", "", "buyer bech32 address")
	fs.StringVar(&seller, "seller", "", "seller bech32 address")
	fs.StringVar(&arbiter, "arbiter", "", "arbiter bech32 address")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		return printError(stderr, "unexpected positional arguments")
	}

	var payload types.CreatePayload
	parties := []struct {
		flag  string
		value string
		out   *[20]byte
	}{
		{"--buyer", buyer, &payload.Buyer},
		{"--seller", seller, &payload.Seller},
		{"--arbiter", arbiter, &payload.Arbiter},
	}
	for _, p := range parties {
		if strings.TrimSpace(p.value) == "" {
			return printError(stderr, p.flag+" is required")
		}
		addr, err := crypto.ParseEscrowAddress(p.value)
		if err != nil {
			return printError(stderr, fmt.Sprintf("%s: %v", p.flag, err))
		}
		*p.out = addr
	}
	data, err := types.EncodeCreatePayload(payload)
	if err != nil {
		return printError(stderr, err.Error())
	}
	return submit(stdout, stderr, keyFile, "escrow_create", &types.Transaction{Type: types.TxTypeCreateEscrow, Data: data})
}

func runEscrowGet(args []string, stdout, stderr io.Writer) int {
	fs := newEscrowFlagSet("escrow get", stderr)
	id := fs.String("id", "", "escrow id (0x-prefixed hex)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if _, err := parseEscrowID(*id); err != nil {
		return printError(stderr, err.Error())
	}
	result, rpcErr, err := rpcCall("escrow_get", map[string]string{"id": *id}, false)
	if code := handleRPCCallError(stderr, err); code != 0 {
		return code
	}
	if code := handleRPCError(stderr, rpcErr); code != 0 {
		return code
	}
	writeRPCResult(stdout, result)
	return 0
}

func runEscrowDeposit(args []string, stdout, stderr io.Writer) int {
	fs := newEscrowFlagSet("escrow deposit", stderr)
	keyFile := fs.String("key", "wallet.key", "signing key of the buyer")
	idFlag := fs.String("id", "", "escrow id (0x-prefixed hex)")
	amountFlag := fs.String("amount", "", "amount to deposit")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	id, err := parseEscrowID(*idFlag)
	if err != nil {
		return printError(stderr, err.Error())
	}
	if strings.TrimSpace(*amountFlag) == "" {
		return printError(stderr, "--amount is required")
	}
	amount, ok := new(big.Int).SetString(strings.ReplaceAll(strings.TrimSpace(*amountFlag), "_", ""), 10)
	if !ok || amount.Sign() < 0 {
		return printError(stderr, "--amount must be a non-negative integer")
	}
	tx := &types.Transaction{Type: types.TxTypeDeposit, Escrow: id[:]}
	if amount.Sign() > 0 {
		tx.Value = amount
	}
	return submit(stdout, stderr, *keyFile, "escrow_deposit", tx)
}

func runEscrowAction(args []string, stdout, stderr io.Writer, name string, txType types.TxType) int {
	fs := newEscrowFlagSet(name, stderr)
	keyFile := fs.String("key", "wallet.key", "signing key of the caller")
	idFlag := fs.String("id", "", "escrow id (0x-prefixed hex)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	id, err := parseEscrowID(*idFlag)
	if err != nil {
		return printError(stderr, err.Error())
	}
	method := "escrow_confirmDelivery"
	if txType == types.TxTypeRefundBuyer {
		method = "escrow_refundBuyer"
	}
	return submit(stdout, stderr, *keyFile, method, &types.Transaction{Type: txType, Escrow: id[:]})
}

// submit fills in the sender's current nonce, signs tx and sends it.
func submit(stdout, stderr io.Writer, keyFile, method string, tx *types.Transaction) int {
	key, err := loadPrivateKey(keyFile)
	if err != nil {
		return printError(stderr, err.Error())
	}
	account, rpcErr, err := fetchAccount(key.PubKey().Address().String())
	if code := handleRPCCallError(stderr, err); code != 0 {
		return code
	}
	if code := handleRPCError(stderr, rpcErr); code != 0 {
		return code
	}
	tx.Nonce = account.Nonce
	if err := tx.Sign(key.PrivateKey); err != nil {
		return printError(stderr, fmt.Sprintf("sign transaction: %v", err))
	}

	result, rpcErr, err := rpcCall(method, tx, true)
	if code := handleRPCCallError(stderr, err); code != 0 {
		return code
	}
	if code := handleRPCError(stderr, rpcErr); code != 0 {
		return code
	}
	writeRPCResult(stdout, result)
	return 0
}

func parseEscrowID(value string) ([32]byte, error) {
	var id [32]byte
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return id, fmt.Errorf("--id is required")
	}
	if !strings.HasPrefix(trimmed, "0x") {
		return id, fmt.Errorf("--id must be 0x-prefixed hex")
	}
	decoded, err := hex.DecodeString(trimmed[2:])
	if err != nil || len(decoded) != len(id) {
		return id, fmt.Errorf("--id must be 32 bytes of hex")
	}
	copy(id[:], decoded)
	return id, nil
}
