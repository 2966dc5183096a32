package protocol

import (
	"encoding/json"
	"log"
)

// FilterFunc returns true if the message should be processed.
type FilterFunc func(hdr *RawHeader) bool

// MessageHandler defines callbacks for inbound message types.
// Embed NoOpHandler and override only the methods you need.
type MessageHandler interface {
	// Host -> Core
	HandleOpRequest(env *Envelope, p *OpRequest)
	HandlePing(env *Envelope, p *Ping)

	// Core -> Host
	HandleOpResult(env *Envelope, p *OpResult)
	HandlePong(env *Envelope, p *Pong)
}

// Ingestor performs two-phase decode and dispatches to a MessageHandler.
type Ingestor struct {
	handler MessageHandler
	filter  FilterFunc
}

// NewIngestor creates an ingestor with the given handler and filter.
func NewIngestor(handler MessageHandler, filter FilterFunc) *Ingestor {
	return &Ingestor{
		handler: handler,
		filter:  filter,
	}
}

// HandleRaw is the entry point for raw message bytes from the messaging layer.
func (ing *Ingestor) HandleRaw(data []byte) {
	// Phase 1: decode routing header only
	var hdr RawHeader
	if err := json.Unmarshal(data, &hdr); err != nil {
		log.Printf("protocol: header decode error: %v", err)
		return
	}

	if IsExpiredHeader(&hdr) {
		log.Printf("protocol: dropping expired message %s (type=%s)", hdr.ID, hdr.Type)
		return
	}

	if ing.filter != nil && !ing.filter(&hdr) {
		return
	}

	// Phase 2: full envelope decode
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Printf("protocol: envelope decode error: %v", err)
		return
	}

	switch env.Type {
	case TypeOpRequest:
		decodeAndCall(ing.handler.HandleOpRequest, &env)
	case TypePing:
		decodeAndCall(ing.handler.HandlePing, &env)
	case TypeOpResult:
		decodeAndCall(ing.handler.HandleOpResult, &env)
	case TypePong:
		decodeAndCall(ing.handler.HandlePong, &env)
	default:
		log.Printf("protocol: unknown message type: %s", env.Type)
	}
}

// decodeAndCall unmarshals the payload and calls the handler method.
func decodeAndCall[T any](fn func(*Envelope, *T), env *Envelope) {
	var p T
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		log.Printf("protocol: payload decode error for %s: %v", env.Type, err)
		return
	}
	fn(env, &p)
}

// StationFilter accepts messages addressed to station or broadcast to "*".
func StationFilter(station string) FilterFunc {
	return func(hdr *RawHeader) bool {
		return hdr.Dst.Station == "" || hdr.Dst.Station == station || hdr.Dst.Station == "*"
	}
}
