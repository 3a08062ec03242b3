package security

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/types"
)

// Overrides are explicit field values that win over configuration. Keys are
// field names such as "tls_ca_file"; a nil value clears the field.
type Overrides map[string]any

// Security is the transport security profile of a process. It is immutable
// once built and safe to share between connections.
type Security struct {
	RequireEncryption bool

	TLSCAFile  *string
	TLSCiphers *string

	TLSSchedulerCert *string
	TLSSchedulerKey  *string
	TLSWorkerCert    *string
	TLSWorkerKey     *string
	TLSClientCert    *string
	TLSClientKey     *string
}

// TLSRoleConfig is the TLS material resolved for one role. Nil members are
// unset.
type TLSRoleConfig struct {
	CAFile  *string
	Key     *string
	Cert    *string
	Ciphers *string
}

// fieldNames is the closed set of string fields, sorted
var fieldNames = []string{
	"tls_ca_file",
	"tls_ciphers",
	"tls_client_cert",
	"tls_client_key",
	"tls_scheduler_cert",
	"tls_scheduler_key",
	"tls_worker_cert",
	"tls_worker_key",
}

// Fields returns every field name accepted by New and Field
func Fields() []string {
	return append([]string{"require_encryption"}, fieldNames...)
}

// configKey maps a field name onto its configuration key
func configKey(field string) string {
	switch field {
	case "require_encryption":
		return config.KeyRequireEncryption
	case "tls_ca_file":
		return config.KeyTLSCAFile
	case "tls_ciphers":
		return config.KeyTLSCiphers
	}
	// tls_<role>_<cert|key>
	parts := strings.Split(field, "_")
	return "comm.tls." + parts[1] + "." + parts[2]
}

// New builds a profile from cfg (which may be nil) and explicit overrides.
// Unknown override names and values of the wrong type fail with
// types.ErrConfiguration.
func New(cfg *config.Config, overrides Overrides) (*Security, error) {
	if cfg == nil {
		cfg = config.New()
	}

	s := &Security{}
	enc, err := cfg.Bool(config.KeyRequireEncryption)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrConfiguration, err)
	}
	s.RequireEncryption = enc

	for _, name := range fieldNames {
		if v, ok := cfg.String(configKey(name)); ok {
			*s.ptr(name) = &v
		}
	}

	for name, value := range overrides {
		if err := s.apply(name, value); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Security) apply(name string, value any) error {
	if name == "require_encryption" {
		switch v := value.(type) {
		case nil:
			s.RequireEncryption = false
		case bool:
			s.RequireEncryption = v
		case string:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%w: require_encryption: %v", types.ErrConfiguration, err)
			}
			s.RequireEncryption = b
		default:
			return fmt.Errorf("%w: require_encryption must be a bool, got %T", types.ErrConfiguration, value)
		}
		return nil
	}

	p := s.ptr(name)
	if p == nil {
		return fmt.Errorf("%w: unknown security option %q", types.ErrConfiguration, name)
	}
	switch v := value.(type) {
	case nil:
		*p = nil
	case string:
		*p = &v
	case *string:
		if v == nil {
			*p = nil
		} else {
			c := *v
			*p = &c
		}
	default:
		return fmt.Errorf("%w: %s must be a string, got %T", types.ErrConfiguration, name, value)
	}
	return nil
}

func (s *Security) ptr(name string) **string {
	switch name {
	case "tls_ca_file":
		return &s.TLSCAFile
	case "tls_ciphers":
		return &s.TLSCiphers
	case "tls_scheduler_cert":
		return &s.TLSSchedulerCert
	case "tls_scheduler_key":
		return &s.TLSSchedulerKey
	case "tls_worker_cert":
		return &s.TLSWorkerCert
	case "tls_worker_key":
		return &s.TLSWorkerKey
	case "tls_client_cert":
		return &s.TLSClientCert
	case "tls_client_key":
		return &s.TLSClientKey
	}
	return nil
}

// Field returns a string field by name. Unknown names fail with
// types.ErrUnknownField.
func (s *Security) Field(name string) (*string, error) {
	p := s.ptr(name)
	if p == nil {
		return nil, fmt.Errorf("%w: Security has no field %q", types.ErrUnknownField, name)
	}
	return *p, nil
}

// String lists require_encryption and every field that is set
func (s *Security) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Security(require_encryption=%t", s.RequireEncryption)
	for _, name := range fieldNames {
		if v := *s.ptr(name); v != nil {
			fmt.Fprintf(&b, ", %s='%s'", name, *v)
		}
	}
	b.WriteString(")")
	return b.String()
}

// TLSConfigForRole returns the TLS material configured for role
func (s *Security) TLSConfigForRole(role types.Role) (TLSRoleConfig, error) {
	if _, err := types.ParseRole(string(role)); err != nil {
		return TLSRoleConfig{}, err
	}
	return TLSRoleConfig{
		CAFile:  s.TLSCAFile,
		Key:     *s.ptr("tls_" + string(role) + "_key"),
		Cert:    *s.ptr("tls_" + string(role) + "_cert"),
		Ciphers: s.TLSCiphers,
	}, nil
}

// Values returns the profile as configuration keys, for handing to a child
// process through config.Environ.
func (s *Security) Values() map[string]string {
	out := map[string]string{
		config.KeyRequireEncryption: strconv.FormatBool(s.RequireEncryption),
	}
	for _, name := range fieldNames {
		if v := *s.ptr(name); v != nil {
			out[configKey(name)] = *v
		}
	}
	return out
}

// Environ renders the profile as BURROW_ environment entries
func (s *Security) Environ() []string {
	return config.Environ(config.DefaultEnvPrefix, s.Values())
}
