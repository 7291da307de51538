package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"escrowchain/cmd/internal/passphrase"
	"escrowchain/crypto"
)

const keyPassEnv = "ESCROW_KEY_PASS"

var rpcEndpoint = defaultRPCEndpoint() // Defaults to localhost, can be overridden via RPC_URL or --rpc flag
var rpcAuthToken = os.Getenv("ESCROW_RPC_TOKEN")

// rpcCall is swapped out in tests.
var rpcCall = callRPC

// keystorePassphrase resolves the passphrase for keystore files.
var keystorePassphrase = func() (string, error) { return passphrase.NewSource(keyPassEnv).Get() }

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	args, err := applyGlobalFlags(args)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if len(args) < 1 {
		fmt.Fprintln(stderr, usage())
		return 1
	}

	switch args[0] {
	case "generate-key":
		return runGenerateKey(args[1:], stdout, stderr)
	case "address":
		return runAddress(args[1:], stdout, stderr)
	case "balance":
		return runBalance(args[1:], stdout, stderr)
	case "escrow":
		return runEscrowCommand(args[1:], stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprintln(stdout, usage())
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		fmt.Fprintln(stderr, usage())
		return 1
	}
}

func usage() string {
	return strings.TrimSpace(`Usage:
  escrow-cli [--rpc URL] <command> [flags]

Commands:
  generate-key  Create a new signing key (hex file or encrypted keystore)
  address       Print the address of a key file
  balance       Show balance and nonce of an address
  escrow        Create and drive escrows (see escrow-cli escrow)
`)
}

func defaultRPCEndpoint() string {
	if v := strings.TrimSpace(os.Getenv("RPC_URL")); v != "" {
		return v
	}
	return "http://localhost:8080"
}

func applyGlobalFlags(args []string) ([]string, error) {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--rpc" {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("missing value for --rpc")
			}
			rpcEndpoint = args[i+1]
			i++
			continue
		}
		if strings.HasPrefix(arg, "--rpc=") {
			rpcEndpoint = strings.TrimPrefix(arg, "--rpc=")
			continue
		}
		out = append(out, arg)
	}
	return out, nil
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func runGenerateKey(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("generate-key", stderr)
	out := fs.String("out", "wallet.key", "destination file")
	useKeystore := fs.Bool("keystore", false, "encrypt the key as a v3 keystore (passphrase from "+keyPassEnv+" or prompt)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return printError(stderr, err.Error())
	}
	if *useKeystore {
		pass, err := keystorePassphrase()
		if err != nil {
			return printError(stderr, err.Error())
		}
		if err := crypto.SaveToKeystore(*out, key, pass); err != nil {
			return printError(stderr, fmt.Sprintf("save keystore %s: %v", *out, err))
		}
	} else {
		encoded := fmt.Sprintf("%x", key.Bytes())
		if err := os.WriteFile(*out, []byte(encoded), 0o600); err != nil {
			return printError(stderr, fmt.Sprintf("save key %s: %v", *out, err))
		}
	}
	fmt.Fprintf(stdout, "Generated new key and saved to %s\n", *out)
	fmt.Fprintf(stdout, "Address: %s\n", key.PubKey().Address().String())
	return 0
}

func runAddress(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("address", stderr)
	keyFile := fs.String("key", "wallet.key", "key file (hex or keystore)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	key, err := loadPrivateKey(*keyFile)
	if err != nil {
		return printError(stderr, err.Error())
	}
	fmt.Fprintln(stdout, key.PubKey().Address().String())
	return 0
}

func runBalance(args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 {
		return printError(stderr, "usage: escrow-cli balance <address>")
	}
	account, rpcErr, err := fetchAccount(args[0])
	if code := handleRPCCallError(stderr, err); code != 0 {
		return code
	}
	if code := handleRPCError(stderr, rpcErr); code != 0 {
		return code
	}
	fmt.Fprintf(stdout, "State for: %s\n", account.Address)
	fmt.Fprintf(stdout, "  Balance: %s\n", account.Balance)
	fmt.Fprintf(stdout, "  Nonce:   %d\n", account.Nonce)
	return 0
}

// loadPrivateKey reads a keystore or a plain hex key file.
func loadPrivateKey(path string) (*crypto.PrivateKey, error) {
	isKeystore, err := crypto.IsKeystoreFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("private key file %s not found. run escrow-cli generate-key first", path)
		}
		return nil, fmt.Errorf("failed to read private key file %s: %w", path, err)
	}
	if isKeystore {
		pass, err := keystorePassphrase()
		if err != nil {
			return nil, err
		}
		key, err := crypto.LoadFromKeystore(path, pass)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt keystore %s: %w", path, err)
		}
		return key, nil
	}
	key, err := crypto.LoadHexKey(path)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key in %s: %w", path, err)
	}
	return key, nil
}

type accountResult struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
	Nonce   uint64 `json:"nonce"`
}

func fetchAccount(addr string) (*accountResult, *rpcError, error) {
	result, rpcErr, err := rpcCall("account_get", map[string]string{"address": addr}, false)
	if err != nil || rpcErr != nil {
		return nil, rpcErr, err
	}
	account := &accountResult{}
	if err := json.Unmarshal(result, account); err != nil {
		return nil, nil, fmt.Errorf("failed to decode account: %w", err)
	}
	return account, nil, nil
}

func callRPC(method string, params interface{}, requireAuth bool) (json.RawMessage, *rpcError, error) {
	payload := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
	}
	if params != nil {
		payload["params"] = []interface{}{params}
	} else {
		payload["params"] = []interface{}{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, err
	}
	resp, err := doRPCRequest(body, requireAuth)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, nil, fmt.Errorf("failed to decode RPC response: %w", err)
	}
	return rpcResp.Result, rpcResp.Error, nil
}

func doRPCRequest(payload []byte, requireAuth bool) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodPost, rpcEndpoint, bytes.NewBuffer(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token := strings.TrimSpace(rpcAuthToken); requireAuth && token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", rpcEndpoint, err)
	}
	return resp, nil
}

func printError(w io.Writer, msg string) int {
	fmt.Fprintf(w, "Error: %s\n", msg)
	return 1
}

func handleRPCError(w io.Writer, err *rpcError) int {
	if err == nil {
		return 0
	}
	fmt.Fprintf(w, "RPC error %d: %s\n", err.Code, err.Message)
	return 1
}

func handleRPCCallError(w io.Writer, err error) int {
	if err == nil {
		return 0
	}
	fmt.Fprintf(w, "RPC call failed: %v\n", err)
	return 1
}

func writeRPCResult(w io.Writer, result json.RawMessage) {
	if len(result) == 0 {
		fmt.Fprintln(w, "null")
		return
	}
	if _, err := w.Write(result); err == nil {
		if result[len(result)-1] != '\n' {
			fmt.Fprintln(w)
		}
	}
}
