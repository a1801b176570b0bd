package session

import (
	"os"
	"time"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// Config holds every tunable of the engine. DefaultConfig is the single
// source of truth for defaults; callers must not hard-code replacements.
type Config struct {
	// Database is the path of the boltdb file session state is persisted
	// to.
	Database string `yaml:"database"`
	// DataDir is the root directory downloaded torrents are stored under,
	// one sub-directory per torrent.
	DataDir string `yaml:"data_dir"`

	// PortBegin/PortEnd is the range torrents pick their TCP listen port
	// from; each torrent gets its own port.
	PortBegin uint16 `yaml:"port_begin"`
	PortEnd   uint16 `yaml:"port_end"`

	// MaxOpenFiles raises RLIMIT_NOFILE at startup; many torrents with
	// many files exhaust the default soft limit quickly.
	MaxOpenFiles uint64 `yaml:"max_open_files"`

	// MaxPeerDial and MaxPeerAccept bound the outgoing and incoming peer
	// count per torrent; MaxGlobalConnections caps handshaking plus
	// established connections across the whole session (0 = no cap).
	MaxPeerDial          int `yaml:"max_peer_dial"`
	MaxPeerAccept        int `yaml:"max_peer_accept"`
	MaxGlobalConnections int `yaml:"max_global_connections"`

	// ParallelPieceDownloads bounds how many pieces are in flight at once
	// per torrent; together with the piece length it caps buffered bytes.
	ParallelPieceDownloads int `yaml:"parallel_piece_downloads"`
	// ParallelMetadataDownloads bounds concurrent BEP 9 metadata fetches.
	ParallelMetadataDownloads int `yaml:"parallel_metadata_downloads"`
	// RequestQueueLength is the per-peer pipeline depth of outstanding
	// block requests.
	RequestQueueLength int `yaml:"request_queue_length"`
	// RequestTimeout is how long an outstanding request may sit
	// unanswered before the peer is considered snubbed.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// EndgameParallelDownloadsPerPiece allows the same piece to be
	// assigned to this many peers once every missing piece is already in
	// flight.
	EndgameParallelDownloadsPerPiece int `yaml:"endgame_parallel_downloads_per_piece"`

	PeerConnectTimeout   time.Duration `yaml:"peer_connect_timeout"`
	PeerHandshakeTimeout time.Duration `yaml:"peer_handshake_timeout"`

	// UnchokedPeers is the number of upload slots granted by download
	// rate; OptimisticUnchokedPeers rotate freely.
	UnchokedPeers           int `yaml:"unchoked_peers"`
	OptimisticUnchokedPeers int `yaml:"optimistic_unchoked_peers"`

	// SpeedLimitDownload/SpeedLimitUpload are engine-wide token-bucket
	// caps in bytes per second; 0 means unlimited.
	SpeedLimitDownload int64 `yaml:"speed_limit_download"`
	SpeedLimitUpload   int64 `yaml:"speed_limit_upload"`

	// Encryption policy: outgoing connections try MSE unless
	// disabled, and insist on it when forced; incoming plaintext is
	// rejected when forced.
	DisableOutgoingEncryption bool `yaml:"disable_outgoing_encryption"`
	ForceOutgoingEncryption   bool `yaml:"force_outgoing_encryption"`
	ForceIncomingEncryption   bool `yaml:"force_incoming_encryption"`

	TrackerHTTPTimeout   time.Duration `yaml:"tracker_http_timeout"`
	TrackerHTTPUserAgent string        `yaml:"tracker_http_user_agent"`
	TrackerStopTimeout   time.Duration `yaml:"tracker_stop_timeout"`
	TrackerNumWant       int           `yaml:"tracker_num_want"`

	DHTEnabled          bool          `yaml:"dht_enabled"`
	DHTAddress          string        `yaml:"dht_address"`
	DHTPort             uint16        `yaml:"dht_port"`
	DHTAnnounceInterval time.Duration `yaml:"dht_announce_interval"`

	PEXEnabled      bool          `yaml:"pex_enabled"`
	PEXFlushInterval time.Duration `yaml:"pex_flush_interval"`

	// UPnPEnabled is an opportunistic port-mapping hint passed through to
	// platform glue; the engine itself treats it as opaque.
	UPnPEnabled bool `yaml:"upnp_enabled"`

	UnchokeInterval           time.Duration `yaml:"unchoke_interval"`
	OptimisticUnchokeInterval time.Duration `yaml:"optimistic_unchoke_interval"`

	// MaintenanceInterval is the periodic tick that retries failed peer
	// addresses once their backoff elapses and tops up the dial pool.
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`

	// BitfieldWriteInterval batches resume-bitfield writes between piece
	// completions; completion itself always writes synchronously.
	BitfieldWriteInterval time.Duration `yaml:"bitfield_write_interval"`
	StatsWriteInterval    time.Duration `yaml:"stats_write_interval"`

	// MaxTorrentAddrs caps the per-torrent queue of not-yet-dialed peer
	// addresses.
	MaxTorrentAddrs int `yaml:"max_torrent_addrs"`

	// ReadCacheSize/ReadCacheTTL bound the piece read cache serving
	// uploads.
	ReadCacheSize int64         `yaml:"read_cache_size"`
	ReadCacheTTL  time.Duration `yaml:"read_cache_ttl"`

	// BlocklistURL, when set, is fetched every BlocklistUpdateInterval
	// (at startup when no copy is cached in the session db, or the cached
	// copy is older than that). Incoming connections from listed ranges
	// are refused and tracker-supplied peers in them are dropped.
	BlocklistURL            string        `yaml:"blocklist_url"`
	BlocklistUpdateInterval time.Duration `yaml:"blocklist_update_interval"`

	// RPCHost enables the HTTP control+metrics endpoint when non-empty.
	RPCHost            string        `yaml:"rpc_host"`
	RPCPort            int           `yaml:"rpc_port"`
	RPCShutdownTimeout time.Duration `yaml:"rpc_shutdown_timeout"`

	ExtensionHandshakeClientVersion string `yaml:"extension_handshake_client_version"`
}

// DefaultConfig is the canonical default for every option.
var DefaultConfig = Config{
	Database:  "~/goridge/session.db",
	DataDir:   "~/goridge/data",
	PortBegin: 50000,
	PortEnd:   60000,

	MaxOpenFiles: 10240,

	MaxPeerDial:          40,
	MaxPeerAccept:        40,
	MaxGlobalConnections: 500,

	ParallelPieceDownloads:           4,
	ParallelMetadataDownloads:        2,
	RequestQueueLength:               50,
	RequestTimeout:                   30 * time.Second,
	EndgameParallelDownloadsPerPiece: 2,

	PeerConnectTimeout:   5 * time.Second,
	PeerHandshakeTimeout: 10 * time.Second,

	UnchokedPeers:           4,
	OptimisticUnchokedPeers: 1,

	TrackerHTTPTimeout: 10 * time.Second,
	TrackerHTTPUserAgent: "goridge/1",
	TrackerStopTimeout: 5 * time.Second,
	TrackerNumWant:     50,

	DHTEnabled:          true,
	DHTAddress:          "0.0.0.0",
	DHTPort:             7246,
	DHTAnnounceInterval: 30 * time.Minute,

	PEXEnabled:       true,
	PEXFlushInterval: time.Minute,

	UnchokeInterval:           10 * time.Second,
	OptimisticUnchokeInterval: 30 * time.Second,

	MaintenanceInterval: 5 * time.Second,

	BitfieldWriteInterval: 30 * time.Second,
	StatsWriteInterval:    30 * time.Second,

	MaxTorrentAddrs: 2000,

	ReadCacheSize: 256 << 20,
	ReadCacheTTL:  5 * time.Minute,

	BlocklistUpdateInterval: 24 * time.Hour,

	RPCPort:            7247,
	RPCShutdownTimeout: 5 * time.Second,

	ExtensionHandshakeClientVersion: "goridge/1",
}

// LoadConfig reads a YAML config file over DefaultConfig. A missing file
// is not an error; it just yields the defaults.
func LoadConfig(filename string) (*Config, error) {
	c := DefaultConfig
	b, err := os.ReadFile(filename)
	if os.IsNotExist(err) {
		return &c, nil
	}
	if err != nil {
		return nil, err
	}
	if err = yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// ApplyMap overlays settings given as a generic map (RPC calls, CLI
// flags) onto c, matching keys by the same names the YAML file uses.
func (c *Config) ApplyMap(m map[string]interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           c,
		TagName:          "yaml",
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return err
	}
	return dec.Decode(m)
}
