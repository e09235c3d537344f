// Command blctl is the operator-facing CLI over a BlackLake node: the
// "hard parts only" surface from §6 (init-repo, put, commit, get, search,
// export, reindex, set-policy, set-quota, release-hold), exercised directly
// against the wired engine rather than through a network API — BlackLake
// has no REST/gRPC gateway (SPEC_FULL §D), so blctl links the engine in.
package main

import (
	"os"

	"github.com/blacklake-io/blacklake/cmd/blctl/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
