// Package customcmd implements the §6.4 custom command extension point.
// Go has no runtime loading of arbitrary source, so a user-supplied
// "module path" is realized as a name resolved against a registered factory
// table instead of a file-path import.
package customcmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/example/valkey-loadgen/internal/kvclient"
)

// ErrUnknownCapability is returned when a requested capability name was
// never registered.
var ErrUnknownCapability = errors.New("customcmd: unknown capability")

// Capability is one user-pluggable operation issued by the custom command
// branch of the dispatch loop (§6.3/§6.4). Execute reports whether the
// operation should count as a success for classification purposes.
type Capability interface {
	Execute(ctx context.Context, client *kvclient.Client) (bool, error)
}

// Constructor builds a Capability from the raw --custom-command-args
// string (PART D: comma-separated key=value pairs).
type Constructor func(args string) (Capability, error)

var registry = map[string]Constructor{}

// Register adds a capability constructor under name. Called from package
// init() by every builtin and by any program wiring in its own capability.
func Register(name string, ctor Constructor) {
	registry[name] = ctor
}

// New resolves name against the registry and constructs a Capability with
// the raw CLI args string. Per §6.4, an unregistered name is a loader
// failure the caller should report and exit(1) on.
func New(name, args string) (Capability, error) {
	ctor, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %s)", ErrUnknownCapability, name, strings.Join(Names(), ", "))
	}
	return ctor(args)
}

// Names lists every registered capability, for error messages and --list-custom-commands.
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	return names
}

// parseArgs parses the sample_custom_commands.py convention: comma-separated
// key=value pairs, e.g. "operation=hset,batch_size=10,key_prefix=user".
func parseArgs(raw string) map[string]string {
	out := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}
