package proc

import "time"

// TerminateAll terminates processes in the given order. Individual failures
// (typically already-exited workers) are tolerated; Terminate is a no-op for
// them.
func TerminateAll(procs []*Process, timeout time.Duration) {
	for _, p := range procs {
		p.Terminate(timeout)
	}
}

// Group is an ordered collection of the processes a run has spawned. The
// orchestration task registers each worker as it starts and guarantees the
// group's teardown on every exit path of the run.
type Group struct {
	procs []*Process
}

func NewGroup() *Group {
	return &Group{}
}

// Add registers p in start order.
func (g *Group) Add(p *Process) {
	g.procs = append(g.procs, p)
}

// Len returns the number of registered processes.
func (g *Group) Len() int {
	return len(g.procs)
}

// PIDs returns the process ids of all started members, in start order.
func (g *Group) PIDs() []int32 {
	pids := make([]int32, 0, len(g.procs))
	for _, p := range g.procs {
		if pid, ok := p.PID(); ok {
			pids = append(pids, pid)
		}
	}
	return pids
}

// TerminateAll tears the group down in reverse start order, so producers
// are cut before the registry they depend on goes away.
func (g *Group) TerminateAll(timeout time.Duration) {
	for i := len(g.procs) - 1; i >= 0; i-- {
		g.procs[i].Terminate(timeout)
	}
}
