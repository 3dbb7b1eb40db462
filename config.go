package bridge

import (
	"crypto/ed25519"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"

	"github.com/asaskevich/govalidator"
	"github.com/dgraph-io/badger/v4"
	"github.com/spf13/viper"
	"github.com/zyedidia/generic/mapset"

	"github.com/rgb-tools/rgb-multisig-bridge/errors"
)

// Supported rgb-lib version window, inclusive on both ends. Clients and
// this service must agree on the wallet library series they run.
const (
	MinRGBLibVersion = "0.3"
	MaxRGBLibVersion = "0.3"
)

type Config struct {
	CosignerXPubs    []string `json:"cosigner_xpubs" mapstructure:"cosigner_xpubs"`
	ThresholdColored uint8    `json:"threshold_colored" mapstructure:"threshold_colored"`
	ThresholdVanilla uint8    `json:"threshold_vanilla" mapstructure:"threshold_vanilla"`
	RootPublicKey    string   `json:"root_public_key" mapstructure:"root_public_key"`
	RGBLibVersion    string   `json:"rgb_lib_version" mapstructure:"rgb_lib_version"`
}

// StoredConfig is the immutable part of the configuration, persisted in
// the ledger on first start. Cosigner xpubs are kept sorted so set
// comparison is a plain slice comparison.
type StoredConfig struct {
	CosignerXPubs    []string `json:"cosigner_xpubs"`
	ThresholdColored uint8    `json:"threshold_colored"`
	ThresholdVanilla uint8    `json:"threshold_vanilla"`
}

func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(errors.ErrConfig, "read %s: %v", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrapf(errors.ErrConfig, "decode %s: %v", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	n := len(c.CosignerXPubs)
	if n == 0 {
		return errors.Wrap(errors.ErrConfig, "at least one cosigner xpub required")
	}

	set := mapset.New[string]()
	for _, xpub := range c.CosignerXPubs {
		if xpub == "" {
			return errors.Wrap(errors.ErrConfig, "empty cosigner xpub")
		}
		set.Put(xpub)
	}
	if set.Size() != n {
		return errors.Wrap(errors.ErrConfig, "duplicated cosigner xpubs")
	}

	if c.ThresholdVanilla == 0 || int(c.ThresholdVanilla) > n {
		return errors.Wrapf(errors.ErrConfig, "vanilla threshold %d out of range [1, %d]", c.ThresholdVanilla, n)
	}
	if c.ThresholdColored == 0 || int(c.ThresholdColored) > n {
		return errors.Wrapf(errors.ErrConfig, "colored threshold %d out of range [1, %d]", c.ThresholdColored, n)
	}

	if _, err := c.RootKey(); err != nil {
		return err
	}

	return validateRGBLibVersion(c.RGBLibVersion)
}

// RootKey decodes the configured hex root public key the capability
// tokens are verified against.
func (c *Config) RootKey() (ed25519.PublicKey, error) {
	b, err := hex.DecodeString(c.RootPublicKey)
	if err != nil || len(b) != ed25519.PublicKeySize {
		return nil, errors.Wrap(errors.ErrConfig, "root public key must be a hex encoded ed25519 public key")
	}

	return ed25519.PublicKey(b), nil
}

func (c *Config) IsCosigner(xpub string) bool {
	return govalidator.IsIn(xpub, c.CosignerXPubs...)
}

// ThresholdFor returns the approval threshold governing the operation
// type. Auto-approved types have none.
func (c *Config) ThresholdFor(t OperationType) (uint8, bool) {
	if t.AutoApproved() {
		return 0, false
	}
	if t.Colored() {
		return c.ThresholdColored, true
	}
	return c.ThresholdVanilla, true
}

func (c *Config) Stored() *StoredConfig {
	xpubs := append([]string(nil), c.CosignerXPubs...)
	sort.Strings(xpubs)

	return &StoredConfig{
		CosignerXPubs:    xpubs,
		ThresholdColored: c.ThresholdColored,
		ThresholdVanilla: c.ThresholdVanilla,
	}
}

func (sc *StoredConfig) Equal(other *StoredConfig) bool {
	if sc.ThresholdColored != other.ThresholdColored || sc.ThresholdVanilla != other.ThresholdVanilla {
		return false
	}
	if len(sc.CosignerXPubs) != len(other.CosignerXPubs) {
		return false
	}
	for i, xpub := range sc.CosignerXPubs {
		if other.CosignerXPubs[i] != xpub {
			return false
		}
	}
	return true
}

// EnsureConfig persists the immutable configuration on first start and
// refuses to boot when a later start changes the cosigner set or a
// threshold. The rgb-lib version is deliberately not persisted: it is
// re-validated against the supported window on every start.
func EnsureConfig(db *badger.DB, cfg *Config) error {
	txn := db.NewTransaction(true)
	defer txn.Discard()

	stored, err := findStoredConfig(txn)
	if err != nil {
		return err
	}

	want := cfg.Stored()
	if stored != nil {
		if !stored.Equal(want) {
			return errors.Wrap(errors.ErrConfig, "cosigner set and thresholds cannot change after initialization")
		}
		return nil
	}

	if err := saveStoredConfig(txn, want); err != nil {
		return err
	}
	for _, xpub := range cfg.CosignerXPubs {
		if err := savePointer(txn, xpub, 0); err != nil {
			return err
		}
		if err := saveAddressIndex(txn, xpub, &AddressIndex{}); err != nil {
			return err
		}
	}

	return txn.Commit()
}

func validateRGBLibVersion(version string) error {
	v, err := parseVersion(version)
	if err != nil {
		return err
	}

	min, max := mustParseVersion(MinRGBLibVersion), mustParseVersion(MaxRGBLibVersion)
	if v.less(min) || max.less(v) {
		return errors.Wrapf(errors.ErrConfig, "rgb-lib version %s outside supported window [%s, %s]", version, MinRGBLibVersion, MaxRGBLibVersion)
	}

	return nil
}

type version struct {
	major, minor int
}

func (v version) less(other version) bool {
	if v.major != other.major {
		return v.major < other.major
	}
	return v.minor < other.minor
}

func parseVersion(s string) (version, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 2 {
		return version{}, errors.Wrapf(errors.ErrConfig, "rgb-lib version %q is not major.minor", s)
	}

	major, err := strconv.Atoi(parts[0])
	if err != nil || major < 0 {
		return version{}, errors.Wrapf(errors.ErrConfig, "rgb-lib version %q is not major.minor", s)
	}
	minor, err := strconv.Atoi(parts[1])
	if err != nil || minor < 0 {
		return version{}, errors.Wrapf(errors.ErrConfig, "rgb-lib version %q is not major.minor", s)
	}

	return version{major: major, minor: minor}, nil
}

func mustParseVersion(s string) version {
	v, err := parseVersion(s)
	if err != nil {
		panic(err)
	}
	return v
}
