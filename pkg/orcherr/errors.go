// Package orcherr defines the internal failure taxonomy (spec §4.5) and
// the small public taxonomy (spec §7) it maps onto. Modeled on the
// teacher's component-scoped AgentRegistryError: a typed error that
// carries enough context for observability without leaking internals
// into the public API.
package orcherr

import (
	"errors"
	"fmt"
)

// Kind is the closed set of internal failure classifications (§4.5).
type Kind string

const (
	KindTransientNetwork  Kind = "transient_network"
	KindAgentUnreachable  Kind = "agent_unreachable"
	KindCapabilityMissing Kind = "capability_missing"
	KindSubtaskTimeout    Kind = "subtask_timeout"
	KindLLMUnavailable    Kind = "llm_unavailable"
	KindLLMMalformed      Kind = "llm_malformed"
	KindValidationFailed  Kind = "validation_failed"
	KindReviewExhausted   Kind = "review_exhausted"
	KindCheckpointCorrupt Kind = "checkpoint_corrupt"
	KindFatalInternal     Kind = "fatal_internal"

	// Kinds outside the §4.5 taxonomy but needed at the API boundary.
	KindInvalidInput Kind = "invalid_input"
	KindNotFound     Kind = "not_found"
)

// PublicCode is the small, stable taxonomy exposed to callers (§7).
type PublicCode string

const (
	CodeInvalidInput    PublicCode = "invalid_input"
	CodeNotFound        PublicCode = "not_found"
	CodeCancelled       PublicCode = "cancelled"
	CodeFailedInternal  PublicCode = "failed_internal"
	CodeFailedExternal  PublicCode = "failed_external"
)

// publicMap maps each internal kind to the public code a caller sees.
// Anything not listed defaults to CodeFailedInternal.
var publicMap = map[Kind]PublicCode{
	KindInvalidInput:      CodeInvalidInput,
	KindNotFound:          CodeNotFound,
	KindLLMUnavailable:    CodeFailedExternal,
	KindLLMMalformed:      CodeFailedExternal,
	KindAgentUnreachable:  CodeFailedExternal,
	KindCapabilityMissing: CodeFailedExternal,
	KindTransientNetwork:  CodeFailedExternal,
	KindSubtaskTimeout:    CodeFailedExternal,
	KindValidationFailed:  CodeFailedInternal,
	KindReviewExhausted:   CodeFailedInternal,
	KindCheckpointCorrupt: CodeFailedInternal,
	KindFatalInternal:     CodeFailedInternal,
}

// PublicCodeFor returns the public-facing code for an internal kind.
func PublicCodeFor(k Kind) PublicCode {
	if code, ok := publicMap[k]; ok {
		return code
	}
	return CodeFailedInternal
}

// Error is the engine's component-scoped error type. Component and
// Action identify where the failure occurred; Kind classifies it for
// recovery and observability; the detailed Kind is never leaked as the
// public code (§7) — callers get PublicCode() instead.
type Error struct {
	Component string
	Action    string
	Kind      Kind
	Message   string
	Err       error
}

func New(component, action string, kind Kind, message string, err error) *Error {
	return &Error{Component: component, Action: action, Kind: kind, Message: message, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Component, e.Action, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Component, e.Action, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// PublicCode returns the small public taxonomy code for this error.
func (e *Error) PublicCode() PublicCode { return PublicCodeFor(e.Kind) }

// As reports whether err is (or wraps) an *Error, returning it if so.
func As(err error) (*Error, bool) {
	var target *Error
	ok := errors.As(err, &target)
	return target, ok
}
