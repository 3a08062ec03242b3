package discovery

import (
	"context"
	"fmt"

	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/types"
)

// Resolve finds the scheduler address. In order of preference: explicit,
// the scheduler-address setting, the scheduler file, the Redis registry,
// then a DNS TXT record.
func Resolve(ctx context.Context, cfg *config.Config, explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if cfg == nil {
		cfg = config.New()
	}
	if addr, ok := cfg.String(config.KeySchedulerAddress); ok {
		return addr, nil
	}
	if path, ok := cfg.String(config.KeySchedulerFile); ok {
		info, err := ReadSchedulerFile(path)
		if err != nil {
			return "", err
		}
		return info.Address, nil
	}
	if url, ok := cfg.String(config.KeyDiscoveryRedisURL); ok {
		key, _ := cfg.String(config.KeyDiscoveryRedisKey)
		reg, err := NewRedisRegistry(url, key)
		if err != nil {
			return "", err
		}
		defer reg.Close()
		info, err := reg.Lookup(ctx)
		if err != nil {
			return "", err
		}
		return info.Address, nil
	}
	if server, ok := cfg.String(config.KeyDiscoveryDNSAddr); ok {
		name, _ := cfg.String(config.KeyDiscoveryDNSName)
		info, err := LookupDNS(ctx, server, name)
		if err != nil {
			return "", err
		}
		return info.Address, nil
	}
	return "", fmt.Errorf("%w: no scheduler address, scheduler file or discovery source configured", types.ErrConfiguration)
}
