package session

// Effect is an instruction for the runtime, produced by Step. Effects are
// performed in order.
type Effect interface {
	isEffect()
}

type (
	// Enter publishes a state transition to observers.
	Enter struct{ State State }

	CancelTimeout    struct{}
	DiscoverServices struct{}

	NegotiateMTU struct{ Size int }

	EnableNotifications struct{ Characteristic Characteristic }

	// ProbeMTU writes the MTU check command. The write occupies the write slot
	// until its WriteCharacteristicAck releases it through ChunkAcked.
	ProbeMTU struct {
		Characteristic Characteristic
		Command        []byte
	}

	// WriteChunk writes the first fragment of the command just dispatched,
	// once the previous write has been acknowledged.
	WriteChunk struct{}

	// ChunkAcked releases the write slot and writes the next fragment, if any.
	ChunkAcked struct{}

	// Resolve completes the in-flight command with its full response.
	Resolve struct {
		CommandID string
		Response  []byte
	}

	// Drain lets the command queue dispatch its head command.
	Drain struct{}

	// MTUMismatch is a non-fatal warning: the device confirmed a different
	// MTU than the platform negotiated.
	MTUMismatch struct {
		Negotiated int
		Confirmed  int
	}

	// Abandon fails every queued and in-flight command.
	Abandon struct{ Cause Error }
)

func (Enter) isEffect()               {}
func (CancelTimeout) isEffect()       {}
func (DiscoverServices) isEffect()    {}
func (NegotiateMTU) isEffect()        {}
func (EnableNotifications) isEffect() {}
func (ProbeMTU) isEffect()            {}
func (WriteChunk) isEffect()          {}
func (ChunkAcked) isEffect()          {}
func (Resolve) isEffect()             {}
func (Drain) isEffect()               {}
func (MTUMismatch) isEffect()         {}
func (Abandon) isEffect()             {}
