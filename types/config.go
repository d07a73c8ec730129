package types

import "time"

// Config is a struct to hold the configuration data
type Config struct {
	WriterDatabase      DatabaseConfig `yaml:"writerDatabase" envconfig:"WRITER_DB"`
	ReaderDatabase      DatabaseConfig `yaml:"readerDatabase" envconfig:"READER_DB"`
	ReportServiceStatus bool           `yaml:"reportServiceStatus" envconfig:"REPORT_SERVICE_STATUS"`
	Indexer             struct {
		Enabled           bool          `yaml:"enabled" envconfig:"ENABLED"`
		Store             string        `yaml:"store" envconfig:"STORE"`
		ApiEndpoint       string        `yaml:"apiEndpoint" envconfig:"API_ENDPOINT"`
		ApiKey            string        `yaml:"apiKey" envconfig:"API_KEY"`
		PollInterval      time.Duration `yaml:"pollInterval" envconfig:"POLL_INTERVAL"`
		RequestDelay      time.Duration `yaml:"requestDelay" envconfig:"REQUEST_DELAY"`
		FetchTimeout      time.Duration `yaml:"fetchTimeout" envconfig:"FETCH_TIMEOUT"`
		RequestsPerSecond float64       `yaml:"requestsPerSecond" envconfig:"REQUESTS_PER_SECOND"`
		MaxSlotAttempts   int           `yaml:"maxSlotAttempts" envconfig:"MAX_SLOT_ATTEMPTS"`
		MaxSlotsPerCycle  uint64        `yaml:"maxSlotsPerCycle" envconfig:"MAX_SLOTS_PER_CYCLE"`
		BitfieldDecoding  string        `yaml:"bitfieldDecoding" envconfig:"BITFIELD_DECODING"`
	} `yaml:"indexer" envconfig:"INDEXER"`
	Frontend struct {
		Enabled bool `yaml:"enabled" envconfig:"ENABLED"`
		Server  struct {
			Port string `yaml:"port" envconfig:"PORT"`
			Host string `yaml:"host" envconfig:"HOST"`
		} `yaml:"server" envconfig:"SERVER"`
		HttpReadTimeout  time.Duration `yaml:"httpReadTimeout" envconfig:"HTTP_READ_TIMEOUT"`
		HttpWriteTimeout time.Duration `yaml:"httpWriteTimeout" envconfig:"HTTP_WRITE_TIMEOUT"`
		HttpIdleTimeout  time.Duration `yaml:"httpIdleTimeout" envconfig:"HTTP_IDLE_TIMEOUT"`
		// ReadTimeout bounds how long a participation rate request waits on the store.
		ReadTimeout   time.Duration `yaml:"readTimeout" envconfig:"READ_TIMEOUT"`
		CacheEndpoint string        `yaml:"cacheEndpoint" envconfig:"CACHE_ENDPOINT"`
		// RateLimit limits the requests per second of every client ip, 0 disables rate limiting.
		RateLimit struct {
			RequestsPerSecond float64 `yaml:"requestsPerSecond" envconfig:"REQUESTS_PER_SECOND"`
			Burst             int     `yaml:"burst" envconfig:"BURST"`
		} `yaml:"rateLimit" envconfig:"RATE_LIMIT"`
	} `yaml:"frontend" envconfig:"FRONTEND"`
	Metrics struct {
		Enabled bool   `yaml:"enabled" envconfig:"ENABLED"`
		Address string `yaml:"address" envconfig:"ADDRESS"`
	} `yaml:"metrics" envconfig:"METRICS"`
	Logging struct {
		Level  string `yaml:"level" envconfig:"LEVEL"`
		Format string `yaml:"format" envconfig:"FORMAT"`
	} `yaml:"logging" envconfig:"LOG"`
}

type DatabaseConfig struct {
	Driver       string `yaml:"driver" envconfig:"DRIVER"`
	Username     string `yaml:"user" envconfig:"USERNAME"`
	Password     string `yaml:"password" envconfig:"PASSWORD"`
	Name         string `yaml:"name" envconfig:"NAME"`
	Host         string `yaml:"host" envconfig:"HOST"`
	Port         string `yaml:"port" envconfig:"PORT"`
	MaxOpenConns int    `yaml:"maxOpenConns" envconfig:"MAX_OPEN_CONNS"`
	MaxIdleConns int    `yaml:"maxIdleConns" envconfig:"MAX_IDLE_CONNS"`
	SSL          bool   `yaml:"ssl" envconfig:"SSL"`
}
