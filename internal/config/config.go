package config

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/crypto/hkdf"
)

// Config holds all runtime configuration for the FlowPhone daemon.
// Precedence: CLI flags > env vars > .env file > defaults.
type Config struct {
	DataDir     string
	HTTPPort    int
	LogLevel    string
	LogFormat   string // log output format: "text" or "json"
	CORSOrigins string
	EnvFile     string
	IssueToken  bool

	// Secret is the hex-encoded 32-byte master secret API and action
	// token keys are derived from.
	Secret string

	// Region is the ISO 3166 region national numbers are dialled in.
	Region      string
	DialTimeout time.Duration
	RevealDelay time.Duration

	SIPServer         string
	SIPPort           int
	SIPTransport      string
	SIPUsername       string
	SIPAuthUsername   string
	SIPPassword       string
	SIPDomain         string
	SIPDisplayName    string
	SIPListen         string
	SIPRegisterExpiry int
	ExternalIP        string // advertised in Contact and SDP
	RTPPort           int

	RingtoneFile   string
	RingerModeFile string
	VibratorFile   string // sysfs-style motor control file
	ContactsFile   string

	DatabaseURL      string // PostgreSQL DSN; empty selects sqlite in DataDir
	HistoryRetention time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisChannel  string

	FCMCredentials  string
	PushDeviceToken string
	PushPlatform    string
	PushGatewayURL  string
	LicenseKey      string
}

// defaults
const (
	defaultDataDir          = "./data"
	defaultHTTPPort         = 8080
	defaultLogLevel         = "info"
	defaultLogFormat        = "text"
	defaultEnvFile          = ".env"
	defaultRegion           = "AU"
	defaultDialTimeout      = 30 * time.Second
	defaultRevealDelay      = 900 * time.Millisecond
	defaultSIPPort          = 5060
	defaultSIPTransport     = "udp"
	defaultSIPListen        = "0.0.0.0:5062"
	defaultSIPExpiry        = 300
	defaultRTPPort          = 10000
	defaultHistoryRetention = 90 * 24 * time.Hour
	defaultRedisChannel     = "phone_state"
	defaultPushPlatform     = "android"
)

// envPrefix is the prefix for all FlowPhone environment variables.
const envPrefix = "FLOWPHONE_"

// noEnv lists flags that are only accepted on the command line.
var noEnv = map[string]bool{
	"issue-token": true,
	"env-file":    true,
}

// Load parses configuration from the process arguments and environment.
func Load() (*Config, error) {
	return LoadArgs(os.Args[1:])
}

// LoadArgs parses configuration from args and the environment.
func LoadArgs(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("flowphone", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the call log database")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "control API listen port")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.CORSOrigins, "cors-origins", "", "comma-separated list of allowed CORS origins (use * for all)")
	fs.StringVar(&cfg.EnvFile, "env-file", defaultEnvFile, "optional .env file with FLOWPHONE_* settings")
	fs.BoolVar(&cfg.IssueToken, "issue-token", false, "print a control API bearer token and exit")
	fs.StringVar(&cfg.Secret, "secret", "", "hex-encoded 32-byte master secret (auto-generated if empty)")

	fs.StringVar(&cfg.Region, "region", defaultRegion, "ISO 3166 region for national number formatting")
	fs.DurationVar(&cfg.DialTimeout, "dial-timeout", defaultDialTimeout, "how long a placed call may wait for the provider")
	fs.DurationVar(&cfg.RevealDelay, "reveal-delay", defaultRevealDelay, "delay before the incoming call UI is revealed")

	fs.StringVar(&cfg.SIPServer, "sip-server", "", "SIP registrar and outbound proxy host (empty disables the SIP provider)")
	fs.IntVar(&cfg.SIPPort, "sip-port", defaultSIPPort, "SIP registrar port")
	fs.StringVar(&cfg.SIPTransport, "sip-transport", defaultSIPTransport, "SIP transport (udp, tcp)")
	fs.StringVar(&cfg.SIPUsername, "sip-username", "", "SIP account user")
	fs.StringVar(&cfg.SIPAuthUsername, "sip-auth-username", "", "SIP digest username if different from the account user")
	fs.StringVar(&cfg.SIPPassword, "sip-password", "", "SIP digest password")
	fs.StringVar(&cfg.SIPDomain, "sip-domain", "", "SIP domain (defaults to the server)")
	fs.StringVar(&cfg.SIPDisplayName, "sip-display-name", "", "display name sent on outgoing calls")
	fs.StringVar(&cfg.SIPListen, "sip-listen", defaultSIPListen, "local SIP listen address")
	fs.IntVar(&cfg.SIPRegisterExpiry, "sip-register-expiry", defaultSIPExpiry, "registration expiry in seconds (0 disables registration)")
	fs.StringVar(&cfg.ExternalIP, "external-ip", "", "public IP address for Contact and SDP (auto-detected if empty)")
	fs.IntVar(&cfg.RTPPort, "rtp-port", defaultRTPPort, "RTP port advertised in SDP")

	fs.StringVar(&cfg.RingtoneFile, "ringtone", "", "ringtone WAV file (8 kHz PCM, PCMA or PCMU)")
	fs.StringVar(&cfg.RingerModeFile, "ringer-mode-file", "", "file holding the ringer mode (normal, vibrate, silent)")
	fs.StringVar(&cfg.VibratorFile, "vibrator", "", "vibration motor control file")
	fs.StringVar(&cfg.ContactsFile, "contacts", "", "JSON file mapping numbers to contact names")

	fs.StringVar(&cfg.DatabaseURL, "database-url", "", "PostgreSQL DSN for the call log (sqlite in data-dir if empty)")
	fs.DurationVar(&cfg.HistoryRetention, "history-retention", defaultHistoryRetention, "call log retention (0 keeps forever)")

	fs.StringVar(&cfg.RedisAddr, "redis-addr", "", "Redis address for phone state broadcasts (empty disables the fallback listener)")
	fs.StringVar(&cfg.RedisPassword, "redis-password", "", "Redis password")
	fs.IntVar(&cfg.RedisDB, "redis-db", 0, "Redis database number")
	fs.StringVar(&cfg.RedisChannel, "redis-channel", defaultRedisChannel, "Redis channel phone state broadcasts arrive on")

	fs.StringVar(&cfg.FCMCredentials, "fcm-credentials", "", "Firebase service account file for direct push delivery")
	fs.StringVar(&cfg.PushDeviceToken, "push-device-token", "", "device token notifications are pushed to")
	fs.StringVar(&cfg.PushPlatform, "push-platform", defaultPushPlatform, "push platform for the gateway (android, ios)")
	fs.StringVar(&cfg.PushGatewayURL, "push-gateway-url", "", "URL of the push gateway service")
	fs.StringVar(&cfg.LicenseKey, "license-key", "", "license key for authenticating with the push gateway")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// .env values never replace variables already in the environment.
	if err := loadEnvFile(cfg.EnvFile); err != nil {
		return nil, err
	}

	if err := applyEnvOverrides(fs); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("loading env file %s: %w", path, err)
}

// envName returns the environment variable for a flag name.
func envName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// applyEnvOverrides sets every flag that was not given on the command line
// from its FLOWPHONE_* variable.
func applyEnvOverrides(fs *flag.FlagSet) error {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	var errs []error
	fs.VisitAll(func(f *flag.Flag) {
		if set[f.Name] || noEnv[f.Name] {
			return
		}
		val, ok := os.LookupEnv(envName(f.Name))
		if !ok || val == "" {
			return
		}
		if err := fs.Set(f.Name, val); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", envName(f.Name), err))
		}
	})
	return errors.Join(errs...)
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.SIPPort < 1 || c.SIPPort > 65535 {
		return fmt.Errorf("sip-port must be between 1 and 65535, got %d", c.SIPPort)
	}
	if c.RTPPort < 1024 || c.RTPPort > 65534 || c.RTPPort%2 != 0 {
		return fmt.Errorf("rtp-port must be an even port between 1024 and 65534, got %d", c.RTPPort)
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	c.SIPTransport = strings.ToLower(c.SIPTransport)
	if c.SIPTransport != "udp" && c.SIPTransport != "tcp" {
		return fmt.Errorf("sip-transport must be udp or tcp, got %q", c.SIPTransport)
	}
	if c.SIPServer != "" && c.SIPUsername == "" {
		return fmt.Errorf("sip-username is required when sip-server is set")
	}
	if c.SIPRegisterExpiry < 0 {
		return fmt.Errorf("sip-register-expiry must not be negative, got %d", c.SIPRegisterExpiry)
	}
	if _, _, err := net.SplitHostPort(c.SIPListen); err != nil {
		return fmt.Errorf("sip-listen must be host:port: %w", err)
	}

	if len(c.Region) != 2 {
		return fmt.Errorf("region must be a two-letter ISO 3166 code, got %q", c.Region)
	}
	c.Region = strings.ToUpper(c.Region)

	if c.DialTimeout <= 0 {
		return fmt.Errorf("dial-timeout must be positive, got %s", c.DialTimeout)
	}
	if c.RevealDelay < 0 {
		return fmt.Errorf("reveal-delay must not be negative, got %s", c.RevealDelay)
	}
	if c.HistoryRetention < 0 {
		return fmt.Errorf("history-retention must not be negative, got %s", c.HistoryRetention)
	}

	// Direct FCM delivery and the push gateway both need a device token.
	if (c.FCMCredentials != "" || c.PushGatewayURL != "") && c.PushDeviceToken == "" {
		return fmt.Errorf("push-device-token is required for push delivery")
	}

	if c.Secret != "" {
		if _, err := c.secretBytes(); err != nil {
			return err
		}
	}
	return nil
}

// SIPEnabled reports whether the SIP call provider is configured.
func (c *Config) SIPEnabled() bool {
	return c.SIPServer != ""
}

// ensureSecret generates an ephemeral secret when none is configured.
func (c *Config) ensureSecret() error {
	if c.Secret != "" {
		return nil
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("generating secret: %w", err)
	}
	c.Secret = hex.EncodeToString(key)
	slog.Warn("no secret configured, generated ephemeral key (tokens will not survive restart)")
	return nil
}

func (c *Config) secretBytes() ([]byte, error) {
	key, err := hex.DecodeString(c.Secret)
	if err != nil {
		return nil, fmt.Errorf("decoding secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("secret must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// deriveKey expands the master secret into a 32-byte key for purpose.
func (c *Config) deriveKey(purpose string) ([]byte, error) {
	if err := c.ensureSecret(); err != nil {
		return nil, err
	}
	secret, err := c.secretBytes()
	if err != nil {
		return nil, err
	}
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, secret, []byte("flowphone"), []byte(purpose))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("deriving %s key: %w", purpose, err)
	}
	return key, nil
}

// APIKey returns the key control API bearer tokens are signed with.
func (c *Config) APIKey() ([]byte, error) {
	return c.deriveKey("control-api")
}

// ActionKey returns the key notification action tokens are signed with.
func (c *Config) ActionKey() ([]byte, error) {
	return c.deriveKey("notification-action")
}

// MediaIP returns the IP address to advertise in Contact and SDP.
// If ExternalIP is configured, it is returned directly. Otherwise the
// function attempts to detect the machine's primary non-loopback IPv4 address.
// Falls back to "127.0.0.1" if detection fails.
func (c *Config) MediaIP() string {
	if c.ExternalIP != "" {
		return c.ExternalIP
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ipNet.IP.To4() != nil {
				return ipNet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
