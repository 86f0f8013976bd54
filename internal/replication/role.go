// Package replication replicates store writes to a cluster of nodes:
// leader election, quorum commit of a replicated log, and snapshot
// transfer for followers that fall too far behind.
package replication

// Role is a node's position in the cluster.
type Role int

const (
	Follower Role = iota
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

// transitions is the complete role state machine. A candidate may start
// another election; a leader only ever steps down.
var transitions = map[Role][]Role{
	Follower:  {Candidate},
	Candidate: {Candidate, Leader, Follower},
	Leader:    {Follower},
}

// CanBecome reports whether the state machine allows r -> to.
func (r Role) CanBecome(to Role) bool {
	for _, next := range transitions[r] {
		if next == to {
			return true
		}
	}
	return false
}
