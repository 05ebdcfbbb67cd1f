package servicenow

import (
	"fmt"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/hashicorp/hcl/v2/hclsimple"

	"github.com/anguspalmer/servicenow/errs"
)

// DevInstanceSentinel is the reserved Instance value that, combined
// with empty Username/Password, substitutes the scripted in-process
// Fake transport instead of dialing a real ServiceNow tenant.
const DevInstanceSentinel = "dev"

// Config configures a Client. It is constructed directly by the
// caller or loaded from an HCL file with LoadConfigFile.
type Config struct {
	Instance string `hcl:"instance,optional"`
	Username string `hcl:"username,optional"`
	Password string `hcl:"password,optional"`

	ReadOnly bool `hcl:"read_only,optional"`
	Debug    bool `hcl:"debug,optional"`

	ReadConcurrency  int `hcl:"read_concurrency,optional"`
	WriteConcurrency int `hcl:"write_concurrency,optional"`

	// TimeoutSeconds bounds a single transport attempt; HCL has no
	// native duration type, so it is expressed in whole seconds and
	// converted by Timeout().
	TimeoutSeconds int `hcl:"timeout_seconds,optional"`

	// Fake forces the scripted in-process transport regardless of
	// Instance, for tests and local development that want to opt in
	// explicitly rather than rely on the dev-instance sentinel.
	Fake bool `hcl:"fake,optional"`
}

// Timeout returns the configured transport timeout, or 0 when
// TimeoutSeconds is unset; transport.New treats 0 as
// transport.DefaultRequestTimeout (60s).
func (c Config) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// usesFakeTransport reports whether cfg should get the scripted
// in-process transport instead of a real one.
func (c Config) usesFakeTransport() bool {
	if c.Fake {
		return true
	}
	return c.Instance == DevInstanceSentinel && c.Username == "" && c.Password == ""
}

// Validate checks Config: Instance is required unless Fake mode
// applies, and both concurrency limits, when set, must be positive.
func (c Config) Validate() error {
	err := validation.ValidateStruct(&c,
		validation.Field(&c.Instance, validation.When(!c.usesFakeTransport(), validation.Required)),
		validation.Field(&c.ReadConcurrency, validation.Min(0)),
		validation.Field(&c.WriteConcurrency, validation.Min(0)),
		validation.Field(&c.TimeoutSeconds, validation.Min(0)),
	)
	if err != nil {
		return errs.Wrap(errs.KindConfiguration, err, "invalid configuration")
	}
	return nil
}

// LoadConfigFile decodes an HCL configuration file into a Config. It
// does not validate; call Validate (or New, which validates
// internally) once loaded.
func LoadConfigFile(path string) (*Config, error) {
	var cfg Config
	if err := hclsimple.DecodeFile(path, nil, &cfg); err != nil {
		return nil, errs.Wrap(errs.KindConfiguration, err, "failed to load config file %s", path)
	}
	return &cfg, nil
}

func (c Config) String() string {
	return fmt.Sprintf("Config{Instance: %s, ReadOnly: %v, Fake: %v}", c.Instance, c.ReadOnly, c.usesFakeTransport())
}
