package resilience

import "fmt"

// ConfigError reports an invalid engine or policy setting.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s %s", e.Field, e.Reason)
}

// ExecutionError is the single final failure returned by Execute once an
// operation is exhausted or fails fatally.
type ExecutionError struct {
	Domain   string
	Attempts int
	Kind     Kind
	Verdict  Verdict
	Err      error
}

func (e *ExecutionError) Error() string {
	if e.Domain == "" {
		return fmt.Sprintf("operation failed after %d attempt(s) (%s, %s): %v", e.Attempts, e.Kind, e.Verdict, e.Err)
	}
	return fmt.Sprintf(
		"operation on %s failed after %d attempt(s) (%s, %s): %v",
		e.Domain, e.Attempts, e.Kind, e.Verdict, e.Err,
	)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}
