package graph

// EventType defines the type of engine event
type EventType string

const (
	EventNodeAdded         EventType = "node_added"
	EventNodeUpdated       EventType = "node_updated"
	EventNodeRemoved       EventType = "node_removed"
	EventEdgeAdded         EventType = "edge_added"
	EventEdgeUpdated       EventType = "edge_updated"
	EventEdgeRemoved       EventType = "edge_removed"
	EventPathRecorded      EventType = "path_recorded"
	EventVisibilityChanged EventType = "visibility_changed"
	EventGraphReset        EventType = "graph_reset"

	// EventGraphSnapshot carries a full view. The SSE layer sends it
	// once to each new subscriber; the engine never publishes it.
	EventGraphSnapshot EventType = "graph"
)

// Event is a pure state-change notification. Presentation layers
// subscribe and never feed back into engine state.
type Event struct {
	Type    EventType   `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// NodeRef identifies a node in an event payload
type NodeRef struct {
	ID    int    `json:"id"`
	IP    string `json:"ip,omitempty"`
	HopNr int    `json:"hopnr"`
}

// EdgeRef identifies an edge in an event payload
type EdgeRef struct {
	From int `json:"from"`
	To   int `json:"to"`
}

// VisibilityRef lists nodes whose hidden flag flipped
type VisibilityRef struct {
	Nodes []int `json:"nodes"`
}

// EventBus fans events out to subscribers
type EventBus struct {
	subscribers []chan<- Event
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make([]chan<- Event, 0)}
}

// Subscribe adds a subscriber channel
func (eb *EventBus) Subscribe(ch chan<- Event) {
	eb.subscribers = append(eb.subscribers, ch)
}

// Publish sends an event to all subscribers without blocking the
// engine; a subscriber that cannot keep up misses events.
func (eb *EventBus) Publish(event Event) {
	for _, ch := range eb.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}
