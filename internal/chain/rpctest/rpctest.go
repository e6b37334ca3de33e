// Package rpctest runs an in-process JSON-RPC node for tests.
package rpctest

import (
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

type Request struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      json.RawMessage   `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Handler answers one method call. A non-nil *Error becomes the response error object.
type Handler func(params []json.RawMessage) (any, *Error)

type Node struct {
	URL string

	server   *httptest.Server
	mu       sync.Mutex
	handlers map[string]Handler
	calls    map[string]int
	params   map[string][]json.RawMessage
	sent     []*types.Transaction
}

const (
	DefaultChainIDHex = "0x2105"
	OneGweiHex        = "0x3b9aca00"
	TenEtherHex       = "0x8ac7230489e80000"
)

func New(t testing.TB) *Node {
	t.Helper()
	n := &Node{
		handlers: map[string]Handler{},
		calls:    map[string]int{},
		params:   map[string][]json.RawMessage{},
	}
	n.Handle("eth_chainId", Result(DefaultChainIDHex))
	n.Handle("eth_getTransactionCount", Result("0x0"))
	n.Handle("eth_feeHistory", Result(map[string]any{
		"oldestBlock":   "0x10",
		"baseFeePerGas": []string{OneGweiHex, OneGweiHex},
		"reward":        [][]string{{OneGweiHex}},
	}))
	n.Handle("eth_gasPrice", Result(OneGweiHex))
	n.Handle("eth_getBalance", Result(TenEtherHex))
	n.Handle("eth_call", Result(Uint256Word(0)))
	n.Handle("eth_sendRawTransaction", n.acceptRawTransaction)
	n.Handle("eth_getTransactionReceipt", func(params []json.RawMessage) (any, *Error) {
		var hash string
		if len(params) > 0 {
			_ = json.Unmarshal(params[0], &hash)
		}
		return MinedReceipt(hash, 1), nil
	})

	n.server = httptest.NewServer(http.HandlerFunc(n.serve))
	n.URL = n.server.URL
	t.Cleanup(n.server.Close)
	return n
}

func (n *Node) Close() { n.server.Close() }

func (n *Node) Handle(method string, h Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[method] = h
}

func (n *Node) Calls(method string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[method]
}

func (n *Node) LastParams(method string) []json.RawMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.params[method]
}

// Sent returns every transaction accepted by the default eth_sendRawTransaction handler.
func (n *Node) Sent() []*types.Transaction {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*types.Transaction(nil), n.sent...)
}

func (n *Node) serve(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	n.mu.Lock()
	n.calls[req.Method]++
	n.params[req.Method] = req.Params
	h, ok := n.handlers[req.Method]
	n.mu.Unlock()

	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
	if !ok {
		resp["error"] = Error{Code: -32601, Message: "method not found: " + req.Method}
	} else if result, rpcErr := h(req.Params); rpcErr != nil {
		resp["error"] = rpcErr
	} else {
		resp["result"] = result
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (n *Node) acceptRawTransaction(params []json.RawMessage) (any, *Error) {
	if len(params) != 1 {
		return nil, &Error{Code: -32602, Message: "expected one param"}
	}
	var raw string
	if err := json.Unmarshal(params[0], &raw); err != nil {
		return nil, &Error{Code: -32602, Message: err.Error()}
	}
	buf, err := hexutil.Decode(raw)
	if err != nil {
		return nil, &Error{Code: -32602, Message: err.Error()}
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(buf); err != nil {
		return nil, &Error{Code: -32000, Message: "rlp: " + err.Error()}
	}
	n.mu.Lock()
	n.sent = append(n.sent, tx)
	n.mu.Unlock()
	return tx.Hash().Hex(), nil
}

func Result(v any) Handler {
	return func([]json.RawMessage) (any, *Error) { return v, nil }
}

func Fail(code int, message string) Handler {
	return func([]json.RawMessage) (any, *Error) { return nil, &Error{Code: code, Message: message} }
}

// MinedReceipt builds a receipt body with the given status (1 success, 0 revert).
func MinedReceipt(hash string, status uint64) map[string]any {
	return map[string]any{
		"transactionHash": hash,
		"status":          hexutil.EncodeUint64(status),
		"blockNumber":     "0x10",
		"blockHash":       "0x" + strings.Repeat("11", 32),
		"gasUsed":         "0x5208",
	}
}

// Uint256Word ABI-encodes v as a single 32-byte return word.
func Uint256Word(v uint64) string {
	return BigWord(new(big.Int).SetUint64(v))
}

func BigWord(v *big.Int) string {
	word := make([]byte, 32)
	v.FillBytes(word)
	return hexutil.Encode(word)
}

const (
	BalanceOfSelector = "0x70a08231"
	AllowanceSelector = "0xdd62ed3e"
)

// CallsBySelector answers eth_call by the 4-byte selector of the call data.
// Unknown selectors return a zero word.
func CallsBySelector(words map[string]string) Handler {
	return func(params []json.RawMessage) (any, *Error) {
		if len(params) == 0 {
			return nil, &Error{Code: -32602, Message: "missing call object"}
		}
		var call struct {
			Data  string `json:"data"`
			Input string `json:"input"`
		}
		if err := json.Unmarshal(params[0], &call); err != nil {
			return nil, &Error{Code: -32602, Message: err.Error()}
		}
		data := call.Data
		if data == "" {
			data = call.Input
		}
		if len(data) >= 10 {
			if word, ok := words[strings.ToLower(data[:10])]; ok {
				return word, nil
			}
		}
		return Uint256Word(0), nil
	}
}
