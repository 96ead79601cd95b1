package codes

// Exit codes produced by the dispatch layer itself rather than by the tool it ran.
// They sit above the range ordinary compilers use so the two never collide.
const (
	Success            = 0
	InternalFailure    = 9001
	Cancelled          = 9002
	UnhandledTask      = 9003
	RemoteSubmitFailed = 9004
	CoreUnavailable    = 9005
)

// ErrorCodes maps dispatch-layer exit codes to their descriptions
var ErrorCodes = map[int]string{
	Success:            "Success",
	InternalFailure:    "Executor internal failure",
	Cancelled:          "Task cancelled",
	UnhandledTask:      "No executor can handle the task",
	RemoteSubmitFailed: "Remote submission failed",
	CoreUnavailable:    "Could not allocate a virtual core",
}

// IsSuccess returns true if the exit code indicates the task succeeded
func IsSuccess(code int) bool {
	return code == Success
}

// GetErrorMessage returns the message for a given exit code, or a generic message if unknown
func GetErrorMessage(code int) string {
	if msg, ok := ErrorCodes[code]; ok {
		return msg
	}

	return "Tool exited with an error"
}
