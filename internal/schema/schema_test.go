package schema

import (
	"testing"

	"github.com/spf13/cobra"
)

func testTree() *cobra.Command {
	root := &cobra.Command{Use: "custody"}
	trades := &cobra.Command{Use: "trades", Short: "trade cmds"}
	list := &cobra.Command{Use: "list", Short: "list trades"}
	list.Flags().Int("limit", 20, "limit results")
	trades.AddCommand(list)
	execute := &cobra.Command{Use: "execute <trade-id>", Short: "execute a trade"}
	root.AddCommand(trades, execute)
	return root
}

func TestBuildSchema(t *testing.T) {
	s, err := Build(testTree(), "trades list")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if s.Path != "custody trades list" || s.Signs {
		t.Fatalf("unexpected schema: %+v", s)
	}
	if len(s.Flags) != 1 || s.Flags[0].Name != "limit" {
		t.Fatalf("unexpected flags: %+v", s.Flags)
	}
}

func TestBuildMarksSigningCommands(t *testing.T) {
	s, err := Build(testTree(), "execute")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if !s.Signs {
		t.Fatalf("expected execute to be marked as signing: %+v", s)
	}
	if _, err := Build(testTree(), "deploy"); err == nil {
		t.Fatal("expected unknown command to fail")
	}
}
