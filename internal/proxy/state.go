package proxy

// State is the lifecycle of one proxy manager's session. Once a
// terminal state is reached there is no way back, a host whose channel
// is lost is assumed unrecoverable and failure is surfaced, not
// retried.
type State int32

const (
	StateCreated State = iota
	StateChannelPending
	StateChannelReady
	StateExtensionsInitialized
	StateBusy
	StateCompleted
	StateAborted
	StateCommunicationFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateChannelPending:
		return "channel-pending"
	case StateChannelReady:
		return "channel-ready"
	case StateExtensionsInitialized:
		return "extensions-initialized"
	case StateBusy:
		return "busy"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	case StateCommunicationFailed:
		return "communication-failed"
	default:
		return "unknown"
	}
}

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateAborted || s == StateCommunicationFailed
}
