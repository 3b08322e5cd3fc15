package orchestrator

import (
	xerrors "OpenOps-Agent/internal/errors"
)

const emptyAnswerMessage = "The request has been processed."

// 面向操作员的失败说明，不包含工具名或内部错误信息。
var failureMessages = map[xerrors.Code]string{
	xerrors.CodeInvalidArgument:        "Please enter a command to run.",
	xerrors.CodeIterationLimitExceeded: "I could not finish this request within the allowed number of steps. Please try a simpler or more specific command.",
	xerrors.CodeFormat:                 "I could not work out how to carry out this request. Please try rephrasing it.",
	xerrors.CodeFatalConfiguration:     "The assistant cannot reach a required service right now. Please contact an administrator.",
	xerrors.CodeTimeout:                "The request took too long and was stopped. Please try again.",
	xerrors.CodeStorageFailure:         "The request could not be recorded, so it was not carried out. Please try again later.",
}

const defaultFailureMessage = "Something went wrong while carrying out this request. Please try again later."

func failureMessage(err error) string {
	if msg, ok := failureMessages[xerrors.CodeOf(err)]; ok {
		return msg
	}
	return defaultFailureMessage
}
