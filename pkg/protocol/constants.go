package protocol

// Directory and file names inside the coordination root.
const (
	// RootDir is the default coordination root relative to the workspace.
	RootDir = ".switchboard"

	// InboxDir holds one directory per recipient.
	InboxDir = "inbox"

	// ArchiveDir receives messages moved out of inboxes by housekeeping.
	ArchiveDir = "archive"

	// SessionsDir holds run sheets and the activity log.
	SessionsDir = "sessions"

	// ActivityFile is the append-only activity log inside SessionsDir.
	ActivityFile = "activity.jsonl"

	// StateFile is the shared workspace state document.
	StateFile = "state.json"

	// OrchestratorDir holds scheduler checkpoints.
	OrchestratorDir = "orchestrator"
	// OwnerLockFile, inside OrchestratorDir, is held by the process that
	// drives the schedulers.
	OwnerLockFile = ".owner.lock"

	// ControlDir receives scheduler directives from other processes.
	ControlDir = "control"

	// SignalsDir holds one-shot signal files.
	SignalsDir = "signals"

	// KeyFile is the default signing key file.
	KeyFile = "signing.key"

	// NonceDB is the shared replay cache database.
	NonceDB = "nonces.db"
)

// Inbox file naming.
const (
	MessagePrefix = "msg_"
	MessageSuffix = ".json"
	ResultSuffix  = ".result.json"
	ReceiptSuffix = ".receipt.json"
	// AcceptedSuffix marks a delegate_task that passed verification.
	AcceptedSuffix = ".accepted.json"
)

// Well-known roles in the plan → implement → review pipeline.
const (
	RolePlanner  = "planner"
	RoleLead     = "lead"
	RoleReviewer = "reviewer"
	RoleCoder    = "coder"
)

// Workflow names recorded in run-sheet events.
const (
	WorkflowPlanReview     = "plan-review"
	WorkflowImplementation = "implementation"
	WorkflowReview         = "review"
)

// Instructions attached to pipeline stages.
const (
	InstructionEnhance   = "enhance"
	InstructionImplement = "implement"
	InstructionReview    = "review"
)
