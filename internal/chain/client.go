package chain

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	clierr "github.com/ggonzalez94/defi-custody/internal/errors"
)

// Client issues the raw JSON-RPC calls the custody flow needs.
type Client struct {
	rpc *rpc.Client
}

func Dial(ctx context.Context, rawURL string) (*Client, error) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, clierr.New(clierr.CodeConfigInvalid, "rpc url is required")
	}
	c, err := rpc.DialContext(ctx, strings.TrimSpace(rawURL))
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "connect rpc", err)
	}
	return &Client{rpc: c}, nil
}

func NewClient(c *rpc.Client) *Client {
	return &Client{rpc: c}
}

func (c *Client) Close() {
	if c != nil && c.rpc != nil {
		c.rpc.Close()
	}
}

// FeeHistory is the subset of eth_feeHistory the estimator reads.
type FeeHistory struct {
	OldestBlock   *hexutil.Big     `json:"oldestBlock"`
	BaseFeePerGas []*hexutil.Big   `json:"baseFeePerGas"`
	Reward        [][]*hexutil.Big `json:"reward"`
}

// Receipt is the subset of a transaction receipt used to resolve trade status.
type Receipt struct {
	TransactionHash common.Hash    `json:"transactionHash"`
	Status          hexutil.Uint64 `json:"status"`
	BlockNumber     *hexutil.Big   `json:"blockNumber"`
	BlockHash       common.Hash    `json:"blockHash"`
	GasUsed         hexutil.Uint64 `json:"gasUsed"`
}

func (r *Receipt) Succeeded() bool {
	return r != nil && uint64(r.Status) == 1
}

func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	var out hexutil.Big
	if err := c.rpc.CallContext(ctx, &out, "eth_chainId"); err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "read chain id", err)
	}
	return (*big.Int)(&out), nil
}

func (c *Client) TransactionCount(ctx context.Context, account common.Address) (uint64, error) {
	var out hexutil.Uint64
	if err := c.rpc.CallContext(ctx, &out, "eth_getTransactionCount", account, "latest"); err != nil {
		return 0, clierr.Wrap(clierr.CodeUnavailable, "fetch nonce", err)
	}
	return uint64(out), nil
}

func (c *Client) FeeHistory(ctx context.Context) (*FeeHistory, error) {
	var out *FeeHistory
	if err := c.rpc.CallContext(ctx, &out, "eth_feeHistory", hexutil.Uint64(1), "latest", []float64{50}); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GasPrice(ctx context.Context) (*big.Int, error) {
	var out hexutil.Big
	if err := c.rpc.CallContext(ctx, &out, "eth_gasPrice"); err != nil {
		return nil, err
	}
	return (*big.Int)(&out), nil
}

func (c *Client) Balance(ctx context.Context, account common.Address) (*big.Int, error) {
	var out hexutil.Big
	if err := c.rpc.CallContext(ctx, &out, "eth_getBalance", account, "latest"); err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "read native balance", err)
	}
	return (*big.Int)(&out), nil
}

func (c *Client) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	arg := map[string]any{
		"to":   to.Hex(),
		"data": hexutil.Bytes(data),
	}
	var out hexutil.Bytes
	if err := c.rpc.CallContext(ctx, &out, "eth_call", arg, "latest"); err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "eth_call", err)
	}
	return out, nil
}

// SendRawTransaction performs exactly one eth_sendRawTransaction call.
func (c *Client) SendRawTransaction(ctx context.Context, signedTx string) (common.Hash, error) {
	var out common.Hash
	if err := c.rpc.CallContext(ctx, &out, "eth_sendRawTransaction", signedTx); err != nil {
		return common.Hash{}, err
	}
	return out, nil
}

// TransactionReceipt returns (nil, nil) while the transaction is not yet mined.
func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*Receipt, error) {
	var out *Receipt
	if err := c.rpc.CallContext(ctx, &out, "eth_getTransactionReceipt", hash); err != nil {
		return nil, err
	}
	return out, nil
}
