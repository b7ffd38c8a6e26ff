package alerting

var (
	ErrAlertNotFound     = &LifecycleError{"alert not found"}
	ErrInvalidTransition = &LifecycleError{"invalid alert state transition"}
	ErrStateConflict     = &LifecycleError{"alert state was modified concurrently"}
)

// LifecycleError represents an alert lifecycle error
type LifecycleError struct {
	msg string
}

func (e *LifecycleError) Error() string {
	return e.msg
}
