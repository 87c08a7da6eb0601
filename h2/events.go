package h2

// Lifecycle hooks for connections and streams. Handlers are registered
// on the Events struct embedded in H2Transport before the connection
// starts; registration is not synchronized with delivery.

type EventType int

const (
	Event_Unknown EventType = iota

	// Client TCP connection starting, before dialing the endpoint.
	Event_Connect_Start

	// Connect portion done, including the settings handshake.
	Event_Connect_Done

	// Settings received from the other side.
	Event_Settings

	// Server: sent go away, start draining. Client: received go away,
	// draining.
	Event_GoAway

	// Connection closed.
	Event_ConnClose

	// Client: response headers received.
	Event_Response

	// Generated before sending headers for requests only. May add
	// headers.
	EventStreamRequestStart

	// Server: stream accepted, before the handler runs.
	EventStreamStart

	EventStreamClosed

	EventLAST
)

type EventHandler interface {
	HandleEvent(evtype EventType, t *H2Transport, s *H2Stream)
}

type EventHandlerFunc func(evt EventType, t *H2Transport, s *H2Stream)

func (f EventHandlerFunc) HandleEvent(evt EventType, t *H2Transport, s *H2Stream) {
	f(evt, t, s)
}

type eventChain struct {
	chain []EventHandler
}

func (f eventChain) HandleEvent(evt EventType, t *H2Transport, s *H2Stream) {
	for _, eh := range f.chain {
		eh.HandleEvent(evt, t, s)
	}
}

type Events struct {
	eventHandlers []EventHandler
}

func (e *Events) GetHandler(t EventType) EventHandler {
	if e.eventHandlers == nil {
		return nil
	}
	return e.eventHandlers[t]
}

// OnEvent registers a handler; multiple handlers for the same event
// are chained in registration order.
func (s *Events) OnEvent(t EventType, eh EventHandler) {
	if t >= EventLAST || eh == nil {
		return
	}
	if s.eventHandlers == nil {
		s.eventHandlers = make([]EventHandler, EventLAST)
	}
	if s.eventHandlers[t] == nil {
		s.eventHandlers[t] = eh
		return
	}
	oeh := s.eventHandlers[t]
	if ec, ok := oeh.(eventChain); ok {
		ec.chain = append(ec.chain, eh)
		s.eventHandlers[t] = ec
		return
	}
	s.eventHandlers[t] = eventChain{chain: []EventHandler{oeh, eh}}
}

// Add merges another handler set into this one.
func (e *Events) Add(events Events) {
	for i, eh := range events.eventHandlers {
		e.OnEvent(EventType(i), eh)
	}
}

func (t *H2Transport) MuxEvent(evt EventType) {
	eh := t.GetHandler(evt)
	if eh == nil {
		return
	}
	eh.HandleEvent(evt, t, nil)
}

func (t *H2Transport) streamEvent(evt EventType, s *H2Stream) {
	eh := t.GetHandler(evt)
	if eh == nil {
		return
	}
	eh.HandleEvent(evt, t, s)
}
