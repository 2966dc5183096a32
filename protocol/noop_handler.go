package protocol

// NoOpHandler implements MessageHandler with no-op methods.
type NoOpHandler struct{}

func (NoOpHandler) HandleOpRequest(*Envelope, *OpRequest) {}
func (NoOpHandler) HandlePing(*Envelope, *Ping)           {}
func (NoOpHandler) HandleOpResult(*Envelope, *OpResult)   {}
func (NoOpHandler) HandlePong(*Envelope, *Pong)           {}

var _ MessageHandler = NoOpHandler{}
