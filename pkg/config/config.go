package config

import "time"

// Poll loop defaults
const (
	DefaultPrefix       = "zabbix."
	DefaultPollInterval = 60 * time.Second
	DefaultLimit        = 10000
)

// Database defaults
const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"

	DefaultDriver     = DriverMySQL
	DefaultDBHost     = "localhost"
	DefaultMySQLPort  = 3306
	DefaultPGPort     = 5432
	DefaultDBName     = "zabbix"
	DefaultDBUser     = "root"
	DefaultDBPingWait = 10 * time.Second
)

// Sink defaults (Wavefront proxy)
const (
	ProtocolTCP  = "tcp"
	ProtocolHTTP = "http"

	DefaultSinkProtocol   = ProtocolTCP
	DefaultSinkHost       = "localhost"
	DefaultSinkPort       = 2878
	DefaultSinkBatchSize  = 1000
	DefaultSinkFlushEvery = 5 * time.Second
	DefaultSinkTimeout    = 10 * time.Second
)

// Stream defaults. The float stream reads the history table, the integer
// stream reads history_uint.
const (
	DefaultFloatTable        = "history"
	DefaultFloatCheckpoint   = "last_history_clock.hist"
	DefaultIntegerTable      = "history_uint"
	DefaultIntegerCheckpoint = "last_historyuint_clock.hist"
)

// Checkpoint backends
const (
	BackendFile   = "file"
	BackendBadger = "badger"
	BackendMemory = "memory"

	DefaultCheckpointBackend = BackendFile
	DefaultBadgerDir         = "./data/checkpoints"
)

// Adaptive limit defaults
const (
	DefaultLimitIncrement = 1000
	DefaultLimitMax       = 100000
)

// Status server defaults
const (
	DefaultStatusAddr    = ":9108"
	StatusReadTimeout    = 10 * time.Second
	StatusWriteTimeout   = 10 * time.Second
	StatusShutdownWindow = 5 * time.Second
)

// WebSocket configuration for the live tail
const (
	WSReadBufferSize  = 1024
	WSWriteBufferSize = 1024
	WSBroadcastBuffer = 256
	WSChannelBuffer   = 10
	WSWriteDeadline   = 10 * time.Second
	WSReadDeadline    = 60 * time.Second
	WSPingInterval    = 30 * time.Second
)

// EnvPrefix prefixes every environment override, e.g. ZBXBRIDGE_DATABASE_PASSWORD.
const EnvPrefix = "ZBXBRIDGE"
