package mls

import (
	"github.com/BurntSushi/toml"
	"github.com/jonboulle/clockwork"

	"github.com/treekem/go-mls/log"
)

// Config holds the tunables of a group. It can be loaded from a TOML file.
type Config struct {
	// MaxLeaves bounds the number of members; zero means unbounded.
	MaxLeaves uint32 `toml:"max_leaves"`
	// EpochRetention is the number of past resumption secrets kept.
	EpochRetention int `toml:"epoch_retention"`
	// MaxForwardRatchet bounds how far a receiver skips ahead in a sender's
	// key ratchet.
	MaxForwardRatchet uint32 `toml:"max_forward_ratchet"`
	// EncryptHandshake sends proposals and commits as PrivateMessage.
	EncryptHandshake bool `toml:"encrypt_handshake"`
	// RatchetTreeInWelcome embeds the tree in Welcome GroupInfos.
	RatchetTreeInWelcome bool `toml:"ratchet_tree_in_welcome"`
	CheckLifetimes       bool `toml:"check_lifetimes"`
	// PaddingBlock pads PrivateMessage content to a multiple of this size.
	PaddingBlock int `toml:"padding_block"`

	LogLevel string `toml:"log_level"`
	LogJSON  bool   `toml:"log_json"`
}

func DefaultConfig() Config {
	return Config{
		MaxLeaves:            0,
		EpochRetention:       8,
		MaxForwardRatchet:    1024,
		EncryptHandshake:     false,
		RatchetTreeInWelcome: true,
		CheckLifetimes:       true,
		PaddingBlock:         0,
		LogLevel:             "info",
		LogJSON:              true,
	}
}

// LoadConfig reads a TOML file on top of the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, newError(KindUnknown, "config", err)
	}
	return cfg, nil
}

// ParseConfig decodes TOML text on top of the defaults.
func ParseConfig(data string) (Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.Decode(data, &cfg); err != nil {
		return Config{}, newError(KindUnknown, "config", err)
	}
	return cfg, nil
}

// Option customizes a group at creation or join time.
type Option func(*groupConfig)

type groupConfig struct {
	Config

	logger     log.Logger
	clock      clockwork.Clock
	crypto     CryptoProvider
	validator  IdentityValidator
	psks       PreSharedKeyStore
	filter     ProposalFilter
	metrics    *Metrics
	extensions ExtensionList
}

func newGroupConfig(opts ...Option) *groupConfig {
	c := &groupConfig{
		Config:     DefaultConfig(),
		clock:      clockwork.NewRealClock(),
		crypto:     DefaultCryptoProvider(),
		validator:  BasicIdentityValidator{},
		filter:     PassThroughFilter{},
		extensions: NewExtensionList(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = log.New(nil, log.ParseLevel(c.LogLevel), c.LogJSON)
	}
	return c
}

func (c *groupConfig) pskResolver(groupSources ...ResumptionSecretSource) pskResolver {
	return pskResolver{external: c.psks, resumption: groupSources}
}

func WithConfig(cfg Config) Option {
	return func(c *groupConfig) {
		c.Config = cfg
	}
}

func WithLogger(l log.Logger) Option {
	return func(c *groupConfig) {
		c.logger = l
	}
}

// WithClock sets the clock lifetimes are checked against.
func WithClock(clock clockwork.Clock) Option {
	return func(c *groupConfig) {
		c.clock = clock
	}
}

func WithCryptoProvider(p CryptoProvider) Option {
	return func(c *groupConfig) {
		c.crypto = p
	}
}

func WithIdentityValidator(v IdentityValidator) Option {
	return func(c *groupConfig) {
		c.validator = v
	}
}

func WithPSKStore(s PreSharedKeyStore) Option {
	return func(c *groupConfig) {
		c.psks = s
	}
}

func WithProposalFilter(f ProposalFilter) Option {
	return func(c *groupConfig) {
		c.filter = f
	}
}

func WithMetrics(m *Metrics) Option {
	return func(c *groupConfig) {
		c.metrics = m
	}
}

// WithGroupExtensions sets the group context extensions of a new group.
func WithGroupExtensions(exts ExtensionList) Option {
	return func(c *groupConfig) {
		c.extensions = exts.Clone()
	}
}
