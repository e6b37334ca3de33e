package chain

import (
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/ggonzalez94/defi-custody/internal/amount"
	clierr "github.com/ggonzalez94/defi-custody/internal/errors"
)

// TxPayload is one immutable on-chain call exactly as it was built upstream.
type TxPayload struct {
	To    string `json:"to"`
	Data  string `json:"data"`
	Value string `json:"value"`
	Gas   string `json:"gas"`
	From  string `json:"from"`
}

func (p TxPayload) Validate() error {
	if _, err := p.ToAddress(); err != nil {
		return err
	}
	if _, err := p.FromAddress(); err != nil {
		return err
	}
	if _, err := p.CallData(); err != nil {
		return err
	}
	if _, err := p.ValueWei(); err != nil {
		return err
	}
	if _, err := p.GasLimit(); err != nil {
		return err
	}
	return nil
}

func (p TxPayload) ToAddress() (common.Address, error) {
	return parseAddress("payload.to", p.To)
}

func (p TxPayload) FromAddress() (common.Address, error) {
	return parseAddress("payload.from", p.From)
}

func (p TxPayload) CallData() ([]byte, error) {
	clean := strings.TrimSpace(p.Data)
	if clean == "" || clean == "0x" {
		return []byte{}, nil
	}
	if !strings.HasPrefix(clean, "0x") {
		clean = "0x" + clean
	}
	buf, err := hexutil.Decode(clean)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeBadRequest, "decode payload.data", err)
	}
	return buf, nil
}

func (p TxPayload) ValueWei() (*big.Int, error) {
	if strings.TrimSpace(p.Value) == "" {
		return big.NewInt(0), nil
	}
	v, err := amount.ParseBaseUnits(p.Value)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeBadRequest, "parse payload.value", err)
	}
	return v, nil
}

func (p TxPayload) GasLimit() (uint64, error) {
	clean := strings.TrimSpace(p.Gas)
	if clean == "" {
		return 0, clierr.New(clierr.CodeBadRequest, "payload.gas is required")
	}
	gas, err := strconv.ParseUint(clean, 10, 64)
	if err != nil {
		return 0, clierr.Wrap(clierr.CodeBadRequest, "parse payload.gas", err)
	}
	if gas == 0 {
		return 0, clierr.New(clierr.CodeBadRequest, "payload.gas must be > 0")
	}
	return gas, nil
}

func parseAddress(field, raw string) (common.Address, error) {
	clean := strings.TrimSpace(raw)
	if !common.IsHexAddress(clean) {
		return common.Address{}, clierr.Newf(clierr.CodeBadRequest, "%s must be a hex address", field)
	}
	return common.HexToAddress(clean), nil
}

// SameAddress compares two hex addresses case-insensitively.
func SameAddress(a, b string) bool {
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)
	if !common.IsHexAddress(a) || !common.IsHexAddress(b) {
		return false
	}
	return common.HexToAddress(a) == common.HexToAddress(b)
}
