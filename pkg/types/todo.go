package types

// TodoStatus is the lifecycle state of a single todo item.
type TodoStatus string

const (
	TodoPending    TodoStatus = "pending"
	TodoInProgress TodoStatus = "in_progress"
	TodoCompleted  TodoStatus = "completed"
)

// TodoPriority ranks a todo item's urgency.
type TodoPriority string

const (
	TodoPriorityHigh   TodoPriority = "high"
	TodoPriorityMedium TodoPriority = "medium"
	TodoPriorityLow    TodoPriority = "low"
)

// TodoInfo is one entry in a session's structured task list, as tracked by
// the todowrite/todoread tools.
type TodoInfo struct {
	ID       string       `json:"id" jsonschema:"description=Unique identifier for the todo item"`
	Content  string       `json:"content" jsonschema:"description=Brief description of the task"`
	Status   TodoStatus   `json:"status" jsonschema:"description=pending, in_progress, or completed"`
	Priority TodoPriority `json:"priority" jsonschema:"description=high, medium, or low"`
}
