package cmdutil

import (
	"context"
	"fmt"
	"os"
	"strings"

	"clustercore/config"
	"clustercore/platform"
	"clustercore/pkg/sdk/client"
)

// Connect returns an admin client by resolving the target from flags, env
// vars, auto-discovery, or the config file's current-context. Resolution
// order:
//
//  1. hostFlag / CLUSTERCTL_HOST
//  2. contextFlag / CLUSTERCTL_CONTEXT
//  3. Auto-discovered local daemon
//  4. current-context from config file
func Connect(ctx context.Context, hostFlag, contextFlag string) (*client.Client, error) {
	// 1. Direct host (flag > env).
	host := firstNonEmpty(hostFlag, os.Getenv("CLUSTERCTL_HOST"))
	if host != "" {
		return dialTarget(host)
	}

	// 2. Named context (flag > env).
	ctxName := firstNonEmpty(contextFlag, os.Getenv("CLUSTERCTL_CONTEXT"))
	if ctxName != "" {
		return dialContext(ctxName)
	}

	// 3. Auto-discover local daemon.
	if IsDaemonRunning(ctx, platform.DaemonSocketPath) {
		return client.NewUnix(platform.DaemonSocketPath)
	}

	// 4. Fall back to config's current-context.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	name, c, ok := cfg.Current()
	if !ok {
		return nil, fmt.Errorf("no context configured — run a daemon or add a context")
	}
	target := c.AdminTarget(DefaultAdminAddr)
	if target == "" {
		return nil, fmt.Errorf("context %q has no target", name)
	}
	return dialTarget(target)
}

// Discover checks whether the local daemon is alive and, if so, upserts
// the "local" context in config. It does not change current-context if one
// is already set.
func Discover(ctx context.Context) error {
	if !IsDaemonRunning(ctx, platform.DaemonSocketPath) {
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	cfg.Set("local", config.Context{Socket: platform.DaemonSocketPath, Admin: DefaultAdminAddr})

	if cfg.CurrentContext == "" {
		cfg.CurrentContext = "local"
	}

	return cfg.Save()
}

func dialContext(name string) (*client.Client, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	c, ok := cfg.Contexts[name]
	if !ok {
		return nil, fmt.Errorf("context %q not found", name)
	}
	target := c.AdminTarget(DefaultAdminAddr)
	if target == "" {
		return nil, fmt.Errorf("context %q has no target", name)
	}
	return dialTarget(target)
}

// dialTarget dials target as a unix socket path when it looks like one
// (an absolute path), otherwise as a grpc host:port admin address.
func dialTarget(target string) (*client.Client, error) {
	if strings.HasPrefix(target, "/") {
		return client.NewUnix(target)
	}
	return client.Dial(target)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
