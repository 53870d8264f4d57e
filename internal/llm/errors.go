package llm

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

type Class int

const (
	ClassOther Class = iota
	// ClassTransient covers rate limiting and provider overload.
	ClassTransient
	// ClassAuth covers missing or rejected credentials.
	ClassAuth
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassAuth:
		return "auth"
	}
	return "other"
}

// Error is a classified provider failure.
type Error struct {
	Class      Class
	Provider   string
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s status %d: %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// classify maps an HTTP status and message to a failure class.
func classify(status int, msg string) Class {
	lower := strings.ToLower(msg)
	switch {
	case status == http.StatusTooManyRequests, status == 529, status == http.StatusServiceUnavailable,
		strings.Contains(lower, "rate limit"), strings.Contains(lower, "overloaded"):
		return ClassTransient
	case status == http.StatusUnauthorized, status == http.StatusForbidden,
		strings.Contains(lower, "invalid x-api-key"), strings.Contains(lower, "authentication_error"):
		return ClassAuth
	}
	return ClassOther
}

func newError(provider string, status int, msg string) *Error {
	return &Error{Class: classify(status, msg), Provider: provider, StatusCode: status, Message: msg}
}

func missingKey(provider string, envs []string) *Error {
	return &Error{
		Class:    ClassAuth,
		Provider: provider,
		Message:  fmt.Sprintf("api key missing; set %s", strings.Join(envs, " or ")),
	}
}

// ClassOf returns the class of err. Unclassified errors are inspected by
// message so wrapped transport errors mentioning rate limits still count.
func ClassOf(err error) Class {
	if err == nil {
		return ClassOther
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	return classify(0, err.Error())
}

func IsTransient(err error) bool { return err != nil && ClassOf(err) == ClassTransient }

func IsAuth(err error) bool { return err != nil && ClassOf(err) == ClassAuth }
