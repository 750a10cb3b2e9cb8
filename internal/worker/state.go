package worker

// State is a step of the worker's topology state machine.
type State int32

const (
	Disconnected State = iota
	ChannelOpening
	ExchangeDeclaring
	QueueDeclaring
	QueueBinding
	Consuming
	Ready
	Publishing
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case ChannelOpening:
		return "channel-opening"
	case ExchangeDeclaring:
		return "exchange-declaring"
	case QueueDeclaring:
		return "queue-declaring"
	case QueueBinding:
		return "queue-binding"
	case Consuming:
		return "consuming"
	case Ready:
		return "ready"
	case Publishing:
		return "publishing"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// active reports whether topology setup finished and the role is running.
func (s State) active() bool {
	return s == Consuming || s == Ready || s == Publishing
}
