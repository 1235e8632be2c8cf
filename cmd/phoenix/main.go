// Command phoenix keeps long-running agent sessions recoverable: session
// hooks, a crash-restart supervisor, a liveness monitor and a reconciliation
// pipeline, all coordinating through per-domain files.
package main

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	Execute()
}
