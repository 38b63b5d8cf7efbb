// Package status defines the reporting contract through which long-running
// operations surface progress to the user interface.
package status

// Reporter receives progress information from long-running operations. A
// status line is transient and may be overwritten by subsequent status lines;
// a message is permanent output.
type Reporter interface {
	// Status displays a transient status line, replacing any previous one.
	Status(message string)
	// Message emits a permanent line of output.
	Message(message string)
	// ClearStatus removes any transient status line.
	ClearStatus()
}

// discard is a Reporter on which all operations are no-ops.
type discard struct{}

func (discard) Status(_ string)  {}
func (discard) Message(_ string) {}
func (discard) ClearStatus()     {}

// Discard is a Reporter on which all reporting operations are no-ops. It is
// primarily useful for tests.
var Discard Reporter = discard{}
