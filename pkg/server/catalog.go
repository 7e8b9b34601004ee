package server

import (
	"context"
	"fmt"
	"sync"

	"github.com/aeolun/roomchat/pkg/database"
	"github.com/samber/lo"
)

// Catalog is the command catalog, loaded once at startup. It is read-only
// while the server runs.
type Catalog struct {
	mu       sync.RWMutex
	commands map[string]database.Command
}

// LoadCatalog reads every command from the store. An unreadable catalog is
// fatal for the caller.
func LoadCatalog(ctx context.Context, store Store) (*Catalog, error) {
	cmds, err := store.ListCommands(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load command catalog: %w", err)
	}
	c := &Catalog{commands: make(map[string]database.Command, len(cmds))}
	for _, cmd := range cmds {
		c.commands[cmd.Name] = *cmd
	}
	return c, nil
}

// Lookup returns the catalog entry for a command name.
func (c *Catalog) Lookup(name string) (database.Command, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cmd, ok := c.commands[name]
	return cmd, ok
}

// Visible returns the commands an identity at the given visibility level may see.
func (c *Catalog) Visible(level int) []database.Command {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return lo.Filter(lo.Values(c.commands), func(cmd database.Command, _ int) bool {
		return cmd.VisibilityLevel <= level
	})
}

// identityResolver finds the identity bound to a connection.
type identityResolver interface {
	IdentityOf(connID string) (string, bool)
}

// Decision is the outcome of an authorization check. Identity is never nil;
// anonymous callers get a zero-level identity with an empty name.
type Decision struct {
	Allowed  bool
	Identity *database.Identity
	Command  database.Command
}

// Anonymous reports whether the caller has no identity attached.
func (d Decision) Anonymous() bool {
	return d.Identity.Name == ""
}

// Gate decides whether a connection may run a command.
type Gate struct {
	catalog  *Catalog
	sessions identityResolver
	store    Store
}

func NewGate(catalog *Catalog, sessions identityResolver, store Store) *Gate {
	return &Gate{catalog: catalog, sessions: sessions, store: store}
}

// Authorize resolves the caller and compares its access level with the
// command's. Equal levels are allowed. An unknown command yields
// ErrCommandUnknown and a failed identity lookup yields ErrLookupFailed;
// both must be treated as a denial.
func (g *Gate) Authorize(ctx context.Context, connID, command string) (Decision, error) {
	decision := Decision{Identity: &database.Identity{}}

	if name, ok := g.sessions.IdentityOf(connID); ok {
		ident, err := g.store.GetIdentity(ctx, name)
		if err != nil {
			return decision, fmt.Errorf("%w: identity %q: %v", ErrLookupFailed, name, err)
		}
		decision.Identity = ident
	}

	cmd, ok := g.catalog.Lookup(command)
	if !ok {
		return decision, fmt.Errorf("%w: %q", ErrCommandUnknown, command)
	}
	decision.Command = cmd

	if decision.Identity.Banned {
		return decision, nil
	}
	decision.Allowed = decision.Identity.AccessLevel >= cmd.AccessLevel
	return decision, nil
}
