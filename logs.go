package streamkit

//***************************************************************************
// Log Levels
//***************************************************************************

// Level defines different level warnings for giving
// log events.
type Level uint8

// constants of log levels this package respect.
// They are capitalize to ensure no naming conflict.
const (
	INFO Level = 1 << iota
	DEBUG
	WARN
	ERROR
	PANIC
)

// String implements the Stringer interface.
func (l Level) String() string {
	switch l {
	case INFO:
		return "INFO"
	case ERROR:
		return "ERROR"
	case DEBUG:
		return "DEBUG"
	case WARN:
		return "WARN"
	case PANIC:
		return "PANIC"
	}
	return "UNKNOWN"
}

//***************************************************************************
// Logs
//***************************************************************************

// LogMessage defines an interface which exposes a method for retrieving
// log details for giving log item.
type LogMessage interface {
	Message() string
}

// Message implements the LogMessage interface for a raw string value.
type Message string

// Message returns the underline string.
func (m Message) Message() string {
	return string(m)
}

// Logs defines a acceptable logging interface which all elements and sub packages
// will respect and use to deliver logs for different parts and ops, this frees
// this package from specifying or locking a giving implementation and contaminating
// import paths. Implement this and pass in to elements that provide for it.
type Logs interface {
	Emit(Level, LogMessage)
}

// ContextLogs defines an interface that exposes a method to return
// a logger which contextualizes the provided component name as a base
// for it's logger.
type ContextLogs interface {
	Get(name string) Logs
}

//*****************************************************************
// DrainLog
//*****************************************************************

// DrainLog implements the streamkit.Logs interface.
type DrainLog struct{}

// Emit does nothing with provided arguments, it implements
// streamkit.Logs Emit method.
func (DrainLog) Emit(_ Level, _ LogMessage) {}

//*****************************************************************
// ContextLogFn
//*****************************************************************

// ContextLogFn implements the ContextLogs interface. It uses
// a provided function which returns a appropriate logger for
// a giving component name.
type ContextLogFn struct {
	Fn func(name string) Logs
}

// NewContextLogFn returns a new instance of ContextLogFn.
func NewContextLogFn(fn func(name string) Logs) *ContextLogFn {
	return &ContextLogFn{Fn: fn}
}

// Get calls the underline function and returns the produced logger
// for the passed in component name.
func (c ContextLogFn) Get(name string) Logs {
	return c.Fn(name)
}
