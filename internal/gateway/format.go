package gateway

import (
	"fmt"
	"strings"
)

// CancelledMessage is the fixed result text for a cancelled task.
const CancelledMessage = "Command was cancelled"

// SuccessMessage wraps the command's trimmed output for the requester.
func SuccessMessage(requester, output string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "@%s command finished:\n", requester)
	sb.WriteString("```\n")
	sb.WriteString(output)
	if !strings.HasSuffix(output, "\n") {
		sb.WriteString("\n")
	}
	sb.WriteString("```")
	return sb.String()
}

// FailureMessage reports a failed task to the requester. The error text is
// already redacted by the executor.
func FailureMessage(requester string, err error) string {
	return fmt.Sprintf("@%s command failed: %s", requester, err.Error())
}

// CancelledReply addresses the fixed cancellation text to the requester.
func CancelledReply(requester string) string {
	return fmt.Sprintf("@%s %s", requester, CancelledMessage)
}

// NotAuthorizedMessage tells a non-member their request was refused.
func NotAuthorizedMessage(requester, org string) string {
	return fmt.Sprintf("@%s you must be a member of the %s organization to run commands", requester, org)
}
