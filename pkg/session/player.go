package session

// PlayerKind says how a player participates in the session.
type PlayerKind int

const (
	// PlayerLocal players submit inputs through AddLocalInput.
	PlayerLocal PlayerKind = iota
	// PlayerRemote players deliver inputs over the network.
	PlayerRemote
	// PlayerSpectator endpoints receive the confirmed input stream but
	// contribute none.
	PlayerSpectator
)

func (k PlayerKind) String() string {
	switch k {
	case PlayerLocal:
		return "local"
	case PlayerRemote:
		return "remote"
	case PlayerSpectator:
		return "spectator"
	}
	return "unknown"
}

// Player is one participant in the session player list. The set is fixed at
// build time; handles stay stable for the session lifetime.
type Player struct {
	Kind PlayerKind
	Addr string
}

// Local declares the player controlled by this process.
func Local() Player { return Player{Kind: PlayerLocal} }

// Remote declares a player reachable at the given "host:port" address.
func Remote(addr string) Player { return Player{Kind: PlayerRemote, Addr: addr} }

// Spectator declares a read-only endpoint at the given address.
func Spectator(addr string) Player { return Player{Kind: PlayerSpectator, Addr: addr} }
