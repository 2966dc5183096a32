package messaging

import (
	"context"
	"log"
	"sync"
	"time"

	"shuttlecore/protocol"
	"shuttlecore/store"
)

// Executor runs one operation request. It is implemented by the engine.
type Executor interface {
	ExecuteOp(ctx context.Context, req *protocol.OpRequest) *protocol.OpResult
	Busy() bool
}

// RequestHandler answers op.request and core.ping envelopes from the host.
// Results leave through the outbox on the results topic.
type RequestHandler struct {
	protocol.NoOpHandler

	db           *store.DB
	exec         Executor
	stationID    string
	resultsTopic string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRequestHandler(db *store.DB, exec Executor, stationID, resultsTopic string) *RequestHandler {
	ctx, cancel := context.WithCancel(context.Background())
	return &RequestHandler{
		db:           db,
		exec:         exec,
		stationID:    stationID,
		resultsTopic: resultsTopic,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Stop cancels in-flight requests and waits for their replies to be queued.
func (h *RequestHandler) Stop() {
	h.cancel()
	h.wg.Wait()
}

func (h *RequestHandler) self() protocol.Address {
	return protocol.Address{Role: protocol.RoleCore, Station: h.stationID}
}

// HandleOpRequest runs the operation in the background; workflows can take
// minutes and the subscriber callback must return.
func (h *RequestHandler) HandleOpRequest(env *protocol.Envelope, p *protocol.OpRequest) {
	log.Printf("messaging: op request %s from %s (id=%s)", p.Op, env.Src.Station, env.ID)
	req := *p
	if req.Actor == "" {
		req.Actor = env.Src.Station
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		res := h.exec.ExecuteOp(h.ctx, &req)
		h.reply(env, protocol.TypeOpResult, res)
	}()
}

func (h *RequestHandler) HandlePing(env *protocol.Envelope, p *protocol.Ping) {
	h.reply(env, protocol.TypePong, &protocol.Pong{
		Nonce:    p.Nonce,
		ServerTS: time.Now().Unix(),
		Busy:     h.exec.Busy(),
	})
}

func (h *RequestHandler) reply(env *protocol.Envelope, msgType string, payload any) {
	out, err := protocol.NewReply(msgType, h.self(), env.Src, env.ID, payload)
	if err != nil {
		log.Printf("messaging: build %s reply: %v", msgType, err)
		return
	}
	if err := Enqueue(h.db, h.resultsTopic, h.stationID, out, msgType); err != nil {
		log.Printf("messaging: enqueue %s reply: %v", msgType, err)
	}
}
