package errorsx

import (
	"errors"
	"fmt"
	"log/slog"
)

// ReasonedError tags a cause with the reason code reported in logs.
type ReasonedError struct {
	Err    error
	Reason ReasonCode
}

func (e ReasonedError) Error() string {
	if e.Err == nil {
		return string(e.Reason)
	}
	return e.Err.Error()
}

func (e ReasonedError) Unwrap() error { return e.Err }

// Wrap tags err with reason. An error that already carries a reason keeps
// it, so the innermost classification wins.
func Wrap(err error, reason ReasonCode) error {
	if err == nil {
		return nil
	}
	if _, ok := find(err); ok {
		return err
	}
	return ReasonedError{Err: err, Reason: reason}
}

// Errorf is fmt.Errorf tagged with reason. %w verbs keep the cause reachable.
func Errorf(reason ReasonCode, format string, args ...any) error {
	return ReasonedError{Err: fmt.Errorf(format, args...), Reason: reason}
}

// Reason returns the outermost reason code on err's chain.
func Reason(err error) ReasonCode {
	if re, ok := find(err); ok {
		return re.Reason
	}
	return ReasonUnknown
}

func HasReason(err error, reason ReasonCode) bool {
	return Reason(err) == reason
}

// Attrs is the standard error attribute set for structured logs:
// error, error_kind and reason_code.
func Attrs(err error) []any {
	if err == nil {
		return nil
	}
	return []any{
		slog.String("error", err.Error()),
		slog.String("error_kind", string(KindOf(err))),
		slog.String("reason_code", string(Reason(err))),
	}
}

func find(err error) (ReasonedError, bool) {
	var re ReasonedError
	if err == nil || !errors.As(err, &re) {
		return ReasonedError{}, false
	}
	return re, true
}
