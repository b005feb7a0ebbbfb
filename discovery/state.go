package discovery

// Status enumerates the resolver states. Transitions happen only inside the
// Resolver; consumers observe them through State snapshots.
type Status string

const (
	StatusIdle          Status = "idle"
	StatusCheckingCache Status = "checking_cache"
	StatusScanning      Status = "scanning"
	StatusConnecting    Status = "connecting"
	StatusResolved      Status = "resolved"
	StatusFailed        Status = "failed"
	StatusManualEntry   Status = "manual_entry"
)

// Origins for a resolved URL that did not come from a network scan. A
// scan-resolved URL carries the advertised service name as its origin.
const (
	OriginEnvOverride = "env-override"
	OriginCached      = "cached"
	OriginManual      = "manual"
)

// State is a snapshot of the resolver. ServerURL, Origin and Err are empty
// until the corresponding transition sets them.
type State struct {
	Status    Status
	ServerURL string
	Origin    string
	Err       string
	Resolved  bool
}

// DiscoveredServer is the outcome of a successful scan match: the advertised
// instance, its network coordinates, the TXT metadata, and the derived base
// URL. Immutable once built; discarded if the health probe rejects it.
type DiscoveredServer struct {
	Name      string
	Host      string
	Port      int
	Addresses []string
	Meta      map[string]string
	BaseURL   string
}
