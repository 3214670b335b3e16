package receiver

import "fmt"

// ProviderState is the consumer side state of one provider's transfer.
type ProviderState int

const (
	StatePending ProviderState = iota
	StateDownloading
	StateDecrypting
	StateDecompressingFinal
	StateWritten
	StateCleanedUp
	StateError
)

func (s ProviderState) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateDownloading:
		return "DOWNLOADING"
	case StateDecrypting:
		return "DECRYPTING"
	case StateDecompressingFinal:
		return "DECOMPRESSING_FINAL"
	case StateWritten:
		return "WRITTEN"
	case StateCleanedUp:
		return "CLEANED_UP"
	case StateError:
		return "ERROR"
	default:
		return fmt.Sprintf("ProviderState(%d)", int(s))
	}
}

// StateChange is reported on every transition. ChunkIndex is -1 for states not tied to a chunk.
type StateChange struct {
	ProviderIndex int
	State         ProviderState
	ChunkIndex    int
}

var allowedTransitions = map[ProviderState][]ProviderState{
	StatePending:            {StateDownloading, StateError},
	StateDownloading:        {StateDecrypting, StateError},
	StateDecrypting:         {StateDownloading, StateDecompressingFinal, StateError},
	StateDecompressingFinal: {StateWritten, StateError},
	StateWritten:            {StateCleanedUp},
}

type providerMachine struct {
	providerIndex int
	state         ProviderState
	onChange      func(StateChange)
}

func newProviderMachine(providerIndex int, onChange func(StateChange)) *providerMachine {
	m := &providerMachine{providerIndex: providerIndex, state: StatePending, onChange: onChange}
	m.report(-1)
	return m
}

func (m *providerMachine) State() ProviderState {
	return m.state
}

func (m *providerMachine) transition(to ProviderState, chunkIndex int) error {
	allowed := false
	for _, s := range allowedTransitions[m.state] {
		if s == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("provider %d: invalid state transition %s -> %s", m.providerIndex, m.state, to)
	}
	m.state = to
	m.report(chunkIndex)
	return nil
}

func (m *providerMachine) report(chunkIndex int) {
	if m.onChange != nil {
		m.onChange(StateChange{ProviderIndex: m.providerIndex, State: m.state, ChunkIndex: chunkIndex})
	}
}
