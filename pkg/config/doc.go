/*
Package config provides the hierarchical configuration store shared by every
burrow process.

Values are addressed by dotted keys such as "comm.tls.ca-file". Inside a key,
hyphens and underscores are interchangeable, so "comm.tls.ca_file" and
"comm.tls.ca-file" name the same value.

Sources, lowest precedence first:

  - built-in defaults (Defaults)
  - a YAML file; nested mappings are flattened into dotted keys
  - environment variables with the BURROW_ prefix, where "__" separates levels
    and "_" stands for "-" (BURROW_COMM__TLS__CA_FILE)
  - explicit overrides, normally taken from command-line flags

Loading:

	cfg, err := config.NewLoader().
		WithConfigPath("/etc/burrow/burrow.yaml").
		WithOverrides(map[string]any{"scheduler-address": addr}).
		Load()

The typed getters (Bool, Int, Duration, Bytes) accept native YAML values as
well as the strings that arrive through the environment. Environ renders keys
back into environment entries so a supervisor can hand its configuration to a
child process.
*/
package config
