// Package sandbox wraps the Docker API for the run orchestrator: creating
// the isolated per-run network, starting and probing the three sandbox
// containers (database, proxy, agent), and tearing them down.
package sandbox

// Container describes one container the orchestrator started for a run.
type Container struct {
	ID     string
	Name   string
	IP     string
	PID    int
	Labels map[string]string
}
