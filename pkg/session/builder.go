package session

import (
	"fmt"

	"github.com/gofrs/uuid"

	"github.com/donedgardo/rollback/pkg/input"
	"github.com/donedgardo/rollback/pkg/logger"
	"github.com/donedgardo/rollback/pkg/messages"
	"github.com/donedgardo/rollback/pkg/network"
	"github.com/donedgardo/rollback/pkg/protocol"
	"github.com/donedgardo/rollback/pkg/rollback"
	"github.com/donedgardo/rollback/pkg/transport"
)

const (
	// DefaultMaxPrediction frames may be simulated beyond the confirmed
	// frontier before the session stalls.
	DefaultMaxPrediction = 8
	// DefaultRecommendationInterval is how many frames pass between pacing
	// recommendations.
	DefaultRecommendationInterval = 60
	// SpectatorBufferFrames is the size of the spectator's input ring.
	SpectatorBufferFrames = 128
)

type registeredPlayer struct {
	handle int
	player Player
}

// Builder collects the session configuration. Settings are validated when one
// of the Start methods is called; until then every setter just records.
type Builder struct {
	numPlayers int
	inputSize  int

	maxPrediction          int
	inputDelay             int
	defaultInput           []byte
	recommendationInterval input.Frame

	protoConf protocol.Config
	players   []registeredPlayer
	sim       rollback.Simulation
	caps      []rollback.StateCapability
	log       *logger.Logger
}

// NewBuilder starts a session configuration for numPlayers players whose
// per-frame input is inputSize bytes.
func NewBuilder(numPlayers, inputSize int) *Builder {
	return &Builder{
		numPlayers:             numPlayers,
		inputSize:              inputSize,
		maxPrediction:          DefaultMaxPrediction,
		recommendationInterval: DefaultRecommendationInterval,
		log:                    logger.Default(),
	}
}

func (b *Builder) WithLogger(log *logger.Logger) *Builder {
	b.log = log
	return b
}

// WithMaxPrediction bounds how many frames may be simulated on predicted
// inputs. Zero means lockstep: every frame waits for full confirmation.
func (b *Builder) WithMaxPrediction(frames int) *Builder {
	b.maxPrediction = frames
	return b
}

// WithInputDelay delays every local input by the given number of frames,
// trading latency for fewer rollbacks.
func (b *Builder) WithInputDelay(frames int) *Builder {
	b.inputDelay = frames
	return b
}

// WithDefaultInput seeds predictions made before any real input arrived.
// Without it, all-zero bits are assumed.
func (b *Builder) WithDefaultInput(bits []byte) *Builder {
	b.defaultInput = append([]byte(nil), bits...)
	return b
}

// WithProtocolConfig overrides the peer protocol timers and bounds.
func (b *Builder) WithProtocolConfig(conf protocol.Config) *Builder {
	b.protoConf = conf
	return b
}

// WithRecommendationInterval sets how many frames pass between pacing checks.
func (b *Builder) WithRecommendationInterval(frames int) *Builder {
	b.recommendationInterval = input.Frame(frames)
	return b
}

// WithSimulation registers the deterministic step function the session
// drives, including during resimulation after a rollback.
func (b *Builder) WithSimulation(sim rollback.Simulation) *Builder {
	b.sim = sim
	return b
}

// RegisterState adds one save/load capability to the snapshot set. Snapshots
// concatenate all registered capabilities in registration order.
func (b *Builder) RegisterState(id string, save func() ([]byte, error), load func([]byte) error) *Builder {
	b.caps = append(b.caps, rollback.StateCapability{ID: id, Save: save, Load: load})
	return b
}

// AddPlayer assigns a participant to a handle. Player handles must cover
// 0..numPlayers-1; spectator handles must be numPlayers or above.
func (b *Builder) AddPlayer(p Player, handle int) *Builder {
	b.players = append(b.players, registeredPlayer{handle: handle, player: p})
	return b
}

func (b *Builder) validateCommon() error {
	if b.numPlayers < 1 {
		return fmt.Errorf("%w: session needs at least one player", ErrInvalidRequest)
	}
	if b.inputSize < 1 {
		return fmt.Errorf("%w: input size must be at least one byte", ErrInvalidRequest)
	}
	if b.maxPrediction < 0 {
		return fmt.Errorf("%w: negative prediction window", ErrInvalidRequest)
	}
	if b.inputDelay < 0 {
		return fmt.Errorf("%w: negative input delay", ErrInvalidRequest)
	}
	if b.sim == nil {
		return fmt.Errorf("%w: no simulation registered", ErrInvalidRequest)
	}
	if b.defaultInput != nil && len(b.defaultInput) != b.inputSize {
		return fmt.Errorf("%w: default input is %d bytes, want %d", ErrInvalidRequest, len(b.defaultInput), b.inputSize)
	}
	return nil
}

func (b *Builder) validatePlayers() error {
	seenHandle := make(map[int]bool)
	seenAddr := make(map[string]bool)
	covered := 0
	for _, rp := range b.players {
		if seenHandle[rp.handle] {
			return fmt.Errorf("%w: handle %d assigned twice", ErrInvalidRequest, rp.handle)
		}
		seenHandle[rp.handle] = true

		switch rp.player.Kind {
		case PlayerLocal, PlayerRemote:
			if rp.handle < 0 || rp.handle >= b.numPlayers {
				return fmt.Errorf("%w: player handle %d out of range [0,%d)", ErrInvalidRequest, rp.handle, b.numPlayers)
			}
			covered++
		case PlayerSpectator:
			if rp.handle < b.numPlayers {
				return fmt.Errorf("%w: spectator handle %d collides with player handles", ErrInvalidRequest, rp.handle)
			}
		default:
			return fmt.Errorf("%w: unknown player kind", ErrInvalidRequest)
		}

		if rp.player.Kind != PlayerLocal {
			addr := network.Address(rp.player.Addr)
			if err := addr.Validate(); err != nil {
				return fmt.Errorf("%w: player %d address %q: %v", ErrInvalidRequest, rp.handle, rp.player.Addr, err)
			}
			if seenAddr[rp.player.Addr] {
				return fmt.Errorf("%w: address %q assigned twice", ErrInvalidRequest, rp.player.Addr)
			}
			seenAddr[rp.player.Addr] = true
		}
	}
	if covered != b.numPlayers {
		return fmt.Errorf("%w: %d of %d player handles assigned", ErrInvalidRequest, covered, b.numPlayers)
	}
	return nil
}

func (b *Builder) sessionLogger(kind string) *logger.Logger {
	id := uuid.Must(uuid.NewV4()).String()[:8]
	return b.log.Extend(b.log.With().Str("session", id).Str("kind", kind))
}

// StartP2P validates the configuration and brings up a peer-to-peer session
// on the given socket. Handshakes with all remotes begin immediately.
func (b *Builder) StartP2P(sock transport.Socket) (*P2P, error) {
	if err := b.validateCommon(); err != nil {
		return nil, err
	}
	if err := b.validatePlayers(); err != nil {
		return nil, err
	}
	if len(b.caps) == 0 {
		return nil, fmt.Errorf("%w: no state registered for snapshots", ErrInvalidRequest)
	}

	log := b.sessionLogger("p2p")
	s := &P2P{
		numPlayers:             b.numPlayers,
		inputSize:              b.inputSize,
		sock:                   sock,
		sync:                   rollback.New(b.numPlayers, b.inputSize, b.maxPrediction, b.defaultInput, b.caps, log),
		sim:                    b.sim,
		byAddr:                 make(map[string]*protocol.Peer),
		localConnectStatus:     make([]messages.ConnectStatus, b.numPlayers),
		staged:                 make(map[int][]byte),
		recommendationInterval: b.recommendationInterval,
		nextRecommendation:     b.recommendationInterval,
		forcedRollback:         input.NullFrame,
		log:                    log,
	}
	for h := range s.localConnectStatus {
		s.localConnectStatus[h].LastFrame = input.NullFrame
	}

	for _, rp := range b.players {
		switch rp.player.Kind {
		case PlayerLocal:
			s.localHandles = append(s.localHandles, rp.handle)
			s.sync.SetFrameDelay(rp.handle, b.inputDelay)
		case PlayerRemote:
			p := protocol.NewPeer(rp.player.Addr, rp.handle, b.numPlayers, b.inputSize, b.protoConf, log)
			s.peers = append(s.peers, p)
			s.byAddr[rp.player.Addr] = p
		case PlayerSpectator:
			p := protocol.NewPeer(rp.player.Addr, rp.handle, b.numPlayers, b.inputSize*b.numPlayers, b.protoConf, log)
			s.spectators = append(s.spectators, p)
			s.byAddr[rp.player.Addr] = p
		}
	}
	if len(s.localHandles) > 1 {
		// One input stream per link: the wire format carries a single
		// player's inputs, so each process drives at most one player.
		return nil, fmt.Errorf("%w: at most one local player per session", ErrInvalidRequest)
	}

	for _, p := range s.allPeers() {
		p.Synchronize()
		p.SendAllMessages(sock)
	}
	if len(s.byAddr) == 0 {
		s.state = stateRunning
		s.events = append(s.events, Event{Kind: EventRunning})
	}
	log.Info().
		Int("players", b.numPlayers).
		Int("remotes", len(s.peers)).
		Int("spectators", len(s.spectators)).
		Msg("p2p session started")
	return s, nil
}

// StartSpectator brings up a spectator session following the confirmed input
// stream published by the host at hostAddr.
func (b *Builder) StartSpectator(sock transport.Socket, hostAddr string) (*SpectatorSession, error) {
	if err := b.validateCommon(); err != nil {
		return nil, err
	}
	addr := network.Address(hostAddr)
	if err := addr.Validate(); err != nil {
		return nil, fmt.Errorf("%w: host address %q: %v", ErrInvalidRequest, hostAddr, err)
	}

	log := b.sessionLogger("spectator")
	s := &SpectatorSession{
		numPlayers:    b.numPlayers,
		inputSize:     b.inputSize,
		sock:          sock,
		host:          protocol.NewPeer(hostAddr, 0, b.numPlayers, b.inputSize*b.numPlayers, b.protoConf, log),
		sim:           b.sim,
		lastRecvFrame: input.NullFrame,
		log:           log,
	}
	for i := range s.buffer {
		s.buffer[i].Frame = input.NullFrame
	}
	s.host.Synchronize()
	s.host.SendAllMessages(sock)
	log.Info().Str("host", hostAddr).Msg("spectator session started")
	return s, nil
}

// StartSyncTest brings up a determinism checker: every frame older than
// checkDistance is rolled back to and resimulated, comparing checksums.
func (b *Builder) StartSyncTest(checkDistance int) (*SyncTestSession, error) {
	if err := b.validateCommon(); err != nil {
		return nil, err
	}
	if len(b.caps) == 0 {
		return nil, fmt.Errorf("%w: no state registered for snapshots", ErrInvalidRequest)
	}
	if checkDistance < 1 || checkDistance > b.maxPrediction {
		return nil, fmt.Errorf("%w: check distance %d outside [1,%d]", ErrInvalidRequest, checkDistance, b.maxPrediction)
	}

	log := b.sessionLogger("synctest")
	s := &SyncTestSession{
		numPlayers:    b.numPlayers,
		inputSize:     b.inputSize,
		checkDistance: input.Frame(checkDistance),
		sync:          rollback.New(b.numPlayers, b.inputSize, b.maxPrediction, b.defaultInput, b.caps, log),
		sim:           b.sim,
		staged:        make(map[int][]byte),
		checksums:     make(map[input.Frame]uint64),
		log:           log,
	}
	for h := 0; h < b.numPlayers; h++ {
		s.sync.SetFrameDelay(h, b.inputDelay)
	}
	log.Info().Int("checkDistance", checkDistance).Msg("synctest session started")
	return s, nil
}
