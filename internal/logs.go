package internal

import (
	"fmt"
	"time"

	"github.com/gokit/streamkit"
)

// TLog implements the streamkit.Logs interface, printing
// out basic type and value contents with log.
type TLog struct{}

// Emit prints type implementing log message and type data, it implements
// streamkit.Logs Emit method.
func (TLog) Emit(l streamkit.Level, e streamkit.LogMessage) {
	fmt.Printf("[%s : %s : %T] %s %#v\n", time.Now().Format(time.RFC3339), l, e, e.Message(), e)
}
