package protocol

// The executor pool role that runs a task.
// A closed enumeration; unknown roles are rejected at submission.
type ExecutorRole string

const (
	// The default bounded thread pool.
	ExecutorDefault = ExecutorRole("default")
	// A pool for tasks that block on I/O or external services.
	ExecutorOffload = ExecutorRole("offload")
	// An isolated pool whose failure does not affect other pools.
	ExecutorIsolated = ExecutorRole("isolated")
)

// Returns true if the role is a member of the closed enumeration.
func (role ExecutorRole) Valid() bool {
	switch role {
	case ExecutorDefault, ExecutorOffload, ExecutorIsolated, "":
		return true
	default:
		return false
	}
}

// OrDefault maps the empty role to the default executor.
func (role ExecutorRole) OrDefault() ExecutorRole {
	if role == "" {
		return ExecutorDefault
	}
	return role
}
