package app

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	clierr "github.com/ggonzalez94/defi-custody/internal/errors"
	"github.com/ggonzalez94/defi-custody/internal/execution"
)

func (s *runtimeState) newTradesCommand() *cobra.Command {
	root := &cobra.Command{Use: "trades", Short: "Inspect and import trades"}

	show := &cobra.Command{
		Use:   "show <trade-id>",
		Short: "Show a trade",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := s.tradeStore(cmd.Context())
			if err != nil {
				return err
			}
			trade, err := store.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return s.emitSuccess(trade)
		},
	}
	root.AddCommand(show)

	var statusArg string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List trades, most recently updated first",
		RunE: func(cmd *cobra.Command, args []string) error {
			var status execution.TradeStatus
			if strings.TrimSpace(statusArg) != "" {
				parsed, err := execution.ParseTradeStatus(statusArg)
				if err != nil {
					return err
				}
				status = parsed
			}
			if limit <= 0 {
				return clierr.New(clierr.CodeBadRequest, "--limit must be > 0")
			}
			store, err := s.tradeStore(cmd.Context())
			if err != nil {
				return err
			}
			trades, err := store.List(cmd.Context(), status, limit)
			if err != nil {
				return err
			}
			return s.emitSuccess(trades)
		},
	}
	list.Flags().StringVar(&statusArg, "status", "", "Filter by status (built, submitted, mined, failed)")
	list.Flags().IntVar(&limit, "limit", 20, "Maximum trades to return")
	root.AddCommand(list)

	events := &cobra.Command{
		Use:   "events <trade-id>",
		Short: "Show the audit trail of a trade",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := s.tradeStore(cmd.Context())
			if err != nil {
				return err
			}
			if _, err := store.Get(cmd.Context(), args[0]); err != nil {
				return err
			}
			items, err := store.Events(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return s.emitSuccess(items)
		},
	}
	root.AddCommand(events)

	var file string
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Import built trades from a JSON file (object or array, - for stdin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := s.readInput(file)
			if err != nil {
				return err
			}
			trades, err := decodeImport(raw, s.settings.ChainID)
			if err != nil {
				return err
			}
			store, err := s.tradeStore(cmd.Context())
			if err != nil {
				return err
			}
			ids := make([]string, 0, len(trades))
			for _, trade := range trades {
				if err := store.Create(cmd.Context(), trade); err != nil {
					return clierr.Wrap(clierr.CodeOf(err), "import trade "+trade.ID, err)
				}
				ids = append(ids, trade.ID)
			}
			return s.emitSuccess(map[string]any{"imported": len(ids), "ids": ids})
		},
	}
	importCmd.Flags().StringVar(&file, "file", "", "Path to the trades file")
	_ = importCmd.MarkFlagRequired("file")
	root.AddCommand(importCmd)

	return root
}

func (s *runtimeState) readInput(path string) ([]byte, error) {
	var (
		raw []byte
		err error
	)
	if strings.TrimSpace(path) == "-" {
		raw, err = io.ReadAll(s.runner.stdin)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeBadRequest, "read trades file", err)
	}
	return raw, nil
}

// decodeImport accepts only built trades. Imported trades default to the
// configured chain.
func decodeImport(raw []byte, chainID int64) ([]execution.Trade, error) {
	raw = bytes.TrimSpace(raw)
	var trades []execution.Trade
	if len(raw) > 0 && raw[0] == '[' {
		if err := json.Unmarshal(raw, &trades); err != nil {
			return nil, clierr.Wrap(clierr.CodeBadRequest, "decode trades file", err)
		}
	} else {
		var one execution.Trade
		if err := json.Unmarshal(raw, &one); err != nil {
			return nil, clierr.Wrap(clierr.CodeBadRequest, "decode trades file", err)
		}
		trades = []execution.Trade{one}
	}
	if len(trades) == 0 {
		return nil, clierr.New(clierr.CodeBadRequest, "trades file is empty")
	}
	for i := range trades {
		t := &trades[i]
		if t.Status == "" {
			t.Status = execution.TradeStatusBuilt
		}
		if t.Status != execution.TradeStatusBuilt {
			return nil, clierr.Newf(clierr.CodeBadRequest, "trade %s: only built trades can be imported, got %s", t.ID, t.Status)
		}
		if t.ChainID == 0 {
			t.ChainID = chainID
		}
		if t.TxPayload == nil {
			return nil, clierr.Newf(clierr.CodeBadRequest, "trade %s: tx_payload is required", t.ID)
		}
	}
	return trades, nil
}
