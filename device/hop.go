package device

// HopTransition is a configured edge in a Device's state graph:
// running CommandName (with CommandParams) against the device's
// connection is expected to move it from From to To, after which the
// connection should show ExpectedPrompt. ReverseCommandName, if set,
// effects the opposite transition and is used both for explicit
// backward hops and for Device.Close's traversal to its local state.
type HopTransition struct {
	From                  string
	To                    string
	CommandName           string
	CommandParams         map[string]any
	ExpectedPrompt        string
	ReverseCommandName    string
	ReverseCommandParams  map[string]any
}
