package config

import (
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the confocus server.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	SignalPort int    // websocket signaling listen port
	APIPort    int    // admin API and metrics listen port
	FocusJID   string // jid the focus signs its stanzas with

	LocalRegion         string        // region this focus runs in
	RegionGroups        string        // semicolon-separated groups of comma-separated regions
	BridgeStrategy      string        // single, region or split
	BridgeMaxStress     float64       // stress above which a bridge takes no new conferences
	BridgeFailureReset  time.Duration // how long a failed bridge stays out of selection
	PinnedBridgeVersion string        // only select bridges running this version

	ConferenceLinger    time.Duration // how long an empty conference is kept before disposal
	InviteTimeout       time.Duration // deadline for a participant to answer an offer
	ReinviteConcurrency int           // parallel re-invites after a bridge failure
	RolePolicy          string        // owner assignment: auto or authenticated
	StartAudioMuted     bool
	StartVideoMuted     bool
	EnableSctp          bool
	TrustedDomains      string // comma-separated jid domains trusted like an owner

	AuthURL    string        // external login service URL; empty disables authentication
	LogoutURL  string        // logout URL handed to clients
	AuthSecret string        // hex-encoded 32-byte secret shared with the login service
	SessionTTL time.Duration // lifetime of an authentication session

	WorkerPendingTimeout time.Duration // deadline for a worker session to leave pending
	WorkerRetryBudget    int           // failover attempts for a worker session
	DialTimeout          time.Duration // per-worker deadline for a dial-out request
	DialRetries          int           // additional workers tried when a dial-out fails

	RequestTimeout time.Duration // signaling round-trip deadline

	LogLevel  string
	LogFormat string // log output format: "text" or "json"
}

// defaults
const (
	defaultSignalPort     = 5280
	defaultAPIPort        = 8888
	defaultFocusJID       = "focus@auth.confocus"
	defaultBridgeStrategy = "single"
	defaultMaxStress      = 0.8
	defaultFailureReset   = time.Minute
	defaultLinger         = 20 * time.Second
	defaultInviteTimeout  = 30 * time.Second
	defaultReinvites      = 8
	defaultRolePolicy     = "auto"
	defaultSessionTTL     = 24 * time.Hour
	defaultPendingTimeout = 30 * time.Second
	defaultRetryBudget    = 2
	defaultDialTimeout    = 60 * time.Second
	defaultDialRetries    = 2
	defaultRequestTimeout = 15 * time.Second
	defaultLogLevel       = "info"
	defaultLogFormat      = "text"
)

// envPrefix is the prefix for all confocus environment variables.
const envPrefix = "CONFOCUS_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("confocus", flag.ContinueOnError)

	fs.IntVar(&cfg.SignalPort, "signal-port", defaultSignalPort, "websocket signaling listen port")
	fs.IntVar(&cfg.APIPort, "api-port", defaultAPIPort, "admin API and metrics listen port")
	fs.StringVar(&cfg.FocusJID, "focus-jid", defaultFocusJID, "jid the focus uses in signaling")
	fs.StringVar(&cfg.LocalRegion, "local-region", "", "region this focus runs in, preferred for bridge and worker selection")
	fs.StringVar(&cfg.RegionGroups, "region-groups", "", "semicolon-separated groups of comma-separated regions considered close (e.g. \"us-east,us-west;eu-central,eu-west\")")
	fs.StringVar(&cfg.BridgeStrategy, "bridge-strategy", defaultBridgeStrategy, "bridge selection strategy (single, region, split)")
	fs.Float64Var(&cfg.BridgeMaxStress, "bridge-max-stress", defaultMaxStress, "stress level above which a bridge takes no new conferences")
	fs.DurationVar(&cfg.BridgeFailureReset, "bridge-failure-reset", defaultFailureReset, "how long a failed bridge is kept out of selection")
	fs.StringVar(&cfg.PinnedBridgeVersion, "pinned-bridge-version", "", "only select bridges running this version")
	fs.DurationVar(&cfg.ConferenceLinger, "conference-linger", defaultLinger, "how long an empty conference is kept before disposal")
	fs.DurationVar(&cfg.InviteTimeout, "invite-timeout", defaultInviteTimeout, "deadline for a participant to answer a session offer")
	fs.IntVar(&cfg.ReinviteConcurrency, "reinvite-concurrency", defaultReinvites, "parallel re-invites after a bridge failure")
	fs.StringVar(&cfg.RolePolicy, "role-policy", defaultRolePolicy, "owner role assignment (auto, authenticated)")
	fs.BoolVar(&cfg.StartAudioMuted, "start-audio-muted", false, "new participants join with audio muted")
	fs.BoolVar(&cfg.StartVideoMuted, "start-video-muted", false, "new participants join with video muted")
	fs.BoolVar(&cfg.EnableSctp, "enable-sctp", true, "offer SCTP data channels through the bridge")
	fs.StringVar(&cfg.TrustedDomains, "trusted-domains", "", "comma-separated jid domains whose requests are trusted like an owner's")
	fs.StringVar(&cfg.AuthURL, "auth-url", "", "external login service URL (empty disables authentication)")
	fs.StringVar(&cfg.LogoutURL, "logout-url", "", "logout URL handed back to clients")
	fs.StringVar(&cfg.AuthSecret, "auth-secret", "", "hex-encoded 32-byte secret shared with the login service")
	fs.DurationVar(&cfg.SessionTTL, "session-ttl", defaultSessionTTL, "lifetime of an authentication session")
	fs.DurationVar(&cfg.WorkerPendingTimeout, "worker-pending-timeout", defaultPendingTimeout, "deadline for a worker session to leave the pending state")
	fs.IntVar(&cfg.WorkerRetryBudget, "worker-retry-budget", defaultRetryBudget, "failover attempts for a worker session")
	fs.DurationVar(&cfg.DialTimeout, "dial-timeout", defaultDialTimeout, "per-worker deadline for a dial-out request")
	fs.IntVar(&cfg.DialRetries, "dial-retries", defaultDialRetries, "additional workers tried when a dial-out fails")
	fs.DurationVar(&cfg.RequestTimeout, "request-timeout", defaultRequestTimeout, "deadline for signaling round-trips without their own deadline")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the command line.
	// CLI flags take precedence over env vars.
	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	// Track which flags were explicitly set via CLI.
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	// Map of flag name to env var name.
	envMap := map[string]string{
		"signal-port":            envPrefix + "SIGNAL_PORT",
		"api-port":               envPrefix + "API_PORT",
		"focus-jid":              envPrefix + "FOCUS_JID",
		"local-region":           envPrefix + "LOCAL_REGION",
		"region-groups":          envPrefix + "REGION_GROUPS",
		"bridge-strategy":        envPrefix + "BRIDGE_STRATEGY",
		"bridge-max-stress":      envPrefix + "BRIDGE_MAX_STRESS",
		"bridge-failure-reset":   envPrefix + "BRIDGE_FAILURE_RESET",
		"pinned-bridge-version":  envPrefix + "PINNED_BRIDGE_VERSION",
		"conference-linger":      envPrefix + "CONFERENCE_LINGER",
		"invite-timeout":         envPrefix + "INVITE_TIMEOUT",
		"reinvite-concurrency":   envPrefix + "REINVITE_CONCURRENCY",
		"role-policy":            envPrefix + "ROLE_POLICY",
		"start-audio-muted":      envPrefix + "START_AUDIO_MUTED",
		"start-video-muted":      envPrefix + "START_VIDEO_MUTED",
		"enable-sctp":            envPrefix + "ENABLE_SCTP",
		"trusted-domains":        envPrefix + "TRUSTED_DOMAINS",
		"auth-url":               envPrefix + "AUTH_URL",
		"logout-url":             envPrefix + "LOGOUT_URL",
		"auth-secret":            envPrefix + "AUTH_SECRET",
		"session-ttl":            envPrefix + "SESSION_TTL",
		"worker-pending-timeout": envPrefix + "WORKER_PENDING_TIMEOUT",
		"worker-retry-budget":    envPrefix + "WORKER_RETRY_BUDGET",
		"dial-timeout":           envPrefix + "DIAL_TIMEOUT",
		"dial-retries":           envPrefix + "DIAL_RETRIES",
		"request-timeout":        envPrefix + "REQUEST_TIMEOUT",
		"log-level":              envPrefix + "LOG_LEVEL",
		"log-format":             envPrefix + "LOG_FORMAT",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "signal-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.SignalPort = v
			}
		case "api-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.APIPort = v
			}
		case "focus-jid":
			cfg.FocusJID = val
		case "local-region":
			cfg.LocalRegion = val
		case "region-groups":
			cfg.RegionGroups = val
		case "bridge-strategy":
			cfg.BridgeStrategy = val
		case "bridge-max-stress":
			if v, err := strconv.ParseFloat(val, 64); err == nil {
				cfg.BridgeMaxStress = v
			}
		case "bridge-failure-reset":
			if v, err := time.ParseDuration(val); err == nil {
				cfg.BridgeFailureReset = v
			}
		case "pinned-bridge-version":
			cfg.PinnedBridgeVersion = val
		case "conference-linger":
			if v, err := time.ParseDuration(val); err == nil {
				cfg.ConferenceLinger = v
			}
		case "invite-timeout":
			if v, err := time.ParseDuration(val); err == nil {
				cfg.InviteTimeout = v
			}
		case "reinvite-concurrency":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.ReinviteConcurrency = v
			}
		case "role-policy":
			cfg.RolePolicy = val
		case "start-audio-muted":
			if v, err := strconv.ParseBool(val); err == nil {
				cfg.StartAudioMuted = v
			}
		case "start-video-muted":
			if v, err := strconv.ParseBool(val); err == nil {
				cfg.StartVideoMuted = v
			}
		case "enable-sctp":
			if v, err := strconv.ParseBool(val); err == nil {
				cfg.EnableSctp = v
			}
		case "trusted-domains":
			cfg.TrustedDomains = val
		case "auth-url":
			cfg.AuthURL = val
		case "logout-url":
			cfg.LogoutURL = val
		case "auth-secret":
			cfg.AuthSecret = val
		case "session-ttl":
			if v, err := time.ParseDuration(val); err == nil {
				cfg.SessionTTL = v
			}
		case "worker-pending-timeout":
			if v, err := time.ParseDuration(val); err == nil {
				cfg.WorkerPendingTimeout = v
			}
		case "worker-retry-budget":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.WorkerRetryBudget = v
			}
		case "dial-timeout":
			if v, err := time.ParseDuration(val); err == nil {
				cfg.DialTimeout = v
			}
		case "dial-retries":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.DialRetries = v
			}
		case "request-timeout":
			if v, err := time.ParseDuration(val); err == nil {
				cfg.RequestTimeout = v
			}
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.SignalPort < 1 || c.SignalPort > 65535 {
		return fmt.Errorf("signal-port must be between 1 and 65535, got %d", c.SignalPort)
	}
	if c.APIPort < 1 || c.APIPort > 65535 {
		return fmt.Errorf("api-port must be between 1 and 65535, got %d", c.APIPort)
	}
	if c.APIPort == c.SignalPort {
		return fmt.Errorf("api-port and signal-port must differ, both are %d", c.APIPort)
	}
	if c.FocusJID == "" {
		return fmt.Errorf("focus-jid must not be empty")
	}

	switch c.BridgeStrategy {
	case "single", "region", "split":
	default:
		return fmt.Errorf("bridge-strategy must be one of single, region, split; got %q", c.BridgeStrategy)
	}
	if c.BridgeMaxStress <= 0 {
		return fmt.Errorf("bridge-max-stress must be positive, got %g", c.BridgeMaxStress)
	}
	if c.ReinviteConcurrency < 1 {
		return fmt.Errorf("reinvite-concurrency must be at least 1, got %d", c.ReinviteConcurrency)
	}

	validPolicies := map[string]bool{"auto": true, "authenticated": true}
	if !validPolicies[strings.ToLower(c.RolePolicy)] {
		return fmt.Errorf("role-policy must be one of auto, authenticated; got %q", c.RolePolicy)
	}
	c.RolePolicy = strings.ToLower(c.RolePolicy)

	for name, d := range map[string]time.Duration{
		"bridge-failure-reset":   c.BridgeFailureReset,
		"conference-linger":      c.ConferenceLinger,
		"invite-timeout":         c.InviteTimeout,
		"session-ttl":            c.SessionTTL,
		"worker-pending-timeout": c.WorkerPendingTimeout,
		"dial-timeout":           c.DialTimeout,
		"request-timeout":        c.RequestTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative, got %s", name, d)
		}
	}
	if c.WorkerRetryBudget < 0 {
		return fmt.Errorf("worker-retry-budget must not be negative, got %d", c.WorkerRetryBudget)
	}
	if c.DialRetries < 0 {
		return fmt.Errorf("dial-retries must not be negative, got %d", c.DialRetries)
	}

	// The login service signs tokens with the shared secret, so an auth
	// deployment without one cannot verify anything.
	if c.AuthURL != "" && c.AuthSecret == "" {
		return fmt.Errorf("auth-secret is required when auth-url is set")
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

	return nil
}

// AuthEnabled reports whether an external login service is configured.
func (c *Config) AuthEnabled() bool {
	return c.AuthURL != ""
}

// AuthSecretBytes returns the decoded 32-byte shared secret, or nil if
// authentication is not configured.
func (c *Config) AuthSecretBytes() ([]byte, error) {
	if c.AuthSecret == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.AuthSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding auth secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("auth secret must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// RegionGroupsParsed splits the region-groups flag into its groups:
// ";" separates groups, "," separates the regions within one.
func (c *Config) RegionGroupsParsed() [][]string {
	if c.RegionGroups == "" {
		return nil
	}
	var groups [][]string
	for _, part := range strings.Split(c.RegionGroups, ";") {
		var regions []string
		for _, r := range strings.Split(part, ",") {
			if r = strings.TrimSpace(r); r != "" {
				regions = append(regions, r)
			}
		}
		if len(regions) > 0 {
			groups = append(groups, regions)
		}
	}
	return groups
}

// TrustedDomainsParsed splits the comma-separated trusted-domains flag.
func (c *Config) TrustedDomainsParsed() []string {
	if c.TrustedDomains == "" {
		return nil
	}
	var domains []string
	for _, d := range strings.Split(c.TrustedDomains, ",") {
		if d = strings.TrimSpace(d); d != "" {
			domains = append(domains, d)
		}
	}
	return domains
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
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
