// Package runtime implements the engine core: the execution tree, the
// per-command agenda, and the command runner that drains it.
package runtime

// OperationKind enumerates the tree mutations components may enqueue. All
// mutation inside a command flows through the agenda so cascading effects
// apply in a deterministic order.
type OperationKind string

const (
	OpContinueProcess  OperationKind = "continue_process"
	OpTriggerExecution OperationKind = "trigger_execution"
	OpDestroyScope     OperationKind = "destroy_scope"
	OpDeleteExecution  OperationKind = "delete_execution"
)

// Operation is one pending agenda entry.
type Operation struct {
	Kind        OperationKind
	ExecutionID string
	Reason      string
}

// Agenda is the ordered queue of pending operations for one command. It is
// drained FIFO until empty before the command commits.
type Agenda struct {
	queue []Operation
}

func NewAgenda() *Agenda {
	return &Agenda{}
}

func (a *Agenda) PlanContinueProcess(executionID string) {
	a.queue = append(a.queue, Operation{Kind: OpContinueProcess, ExecutionID: executionID})
}

func (a *Agenda) PlanTriggerExecution(executionID string) {
	a.queue = append(a.queue, Operation{Kind: OpTriggerExecution, ExecutionID: executionID})
}

func (a *Agenda) PlanDestroyScope(executionID, reason string) {
	a.queue = append(a.queue, Operation{Kind: OpDestroyScope, ExecutionID: executionID, Reason: reason})
}

func (a *Agenda) PlanDeleteExecution(executionID, reason string) {
	a.queue = append(a.queue, Operation{Kind: OpDeleteExecution, ExecutionID: executionID, Reason: reason})
}

// Pop removes and returns the oldest pending operation.
func (a *Agenda) Pop() (Operation, bool) {
	if len(a.queue) == 0 {
		return Operation{}, false
	}

	operation := a.queue[0]
	a.queue = a.queue[1:]

	return operation, true
}

func (a *Agenda) Empty() bool {
	return len(a.queue) == 0
}
