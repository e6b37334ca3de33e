package version

import (
	"strings"
	"testing"
)

func TestLongIncludesBuildMetadata(t *testing.T) {
	prevCommit := Commit
	Commit = "abc123"
	t.Cleanup(func() { Commit = prevCommit })

	long := Long()
	if !strings.HasPrefix(long, CLIName+" "+CLIVersion) || !strings.Contains(long, "commit: abc123") {
		t.Fatalf("unexpected long version %q", long)
	}
	if Info().Commit != "abc123" {
		t.Fatalf("unexpected info %+v", Info())
	}
}
