package roles

import (
	"sort"
	"strings"
)

// Catalog is an immutable lookup structure built once from a loaded role set.
// It indexes every whitelisted command, by CommandKey, to the slugs allowed
// to run it, sorted so routing does not depend on map iteration order.
type Catalog struct {
	roles    map[string]Role
	slugs    []string
	commands map[string][]string
}

// NewCatalog normalizes roles and builds the command index.
func NewCatalog(set map[string]Role) *Catalog {
	c := &Catalog{
		roles:    make(map[string]Role, len(set)),
		commands: map[string][]string{},
	}
	for _, role := range set {
		role = role.Normalized()
		if role.Slug == "" {
			continue
		}
		c.roles[role.Slug] = role
	}
	c.slugs = make([]string, 0, len(c.roles))
	for slug := range c.roles {
		c.slugs = append(c.slugs, slug)
	}
	sort.Strings(c.slugs)
	for _, slug := range c.slugs {
		seen := map[string]bool{}
		for _, token := range c.roles[slug].CommandWhitelist {
			key := CommandKey(token)
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			c.commands[key] = append(c.commands[key], slug)
		}
	}
	return c
}

// Len returns the number of roles.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.roles)
}

// Get looks a role up by slug, ignoring case and surrounding space.
func (c *Catalog) Get(slug string) (Role, bool) {
	if c == nil {
		return Role{}, false
	}
	role, ok := c.roles[strings.ToLower(strings.TrimSpace(slug))]
	return role, ok
}

// List returns the roles sorted by display name (case-insensitive), then slug.
func (c *Catalog) List() []Role {
	if c == nil {
		return nil
	}
	out := make([]Role, 0, len(c.roles))
	for _, slug := range c.slugs {
		out = append(out, c.roles[slug])
	}
	sort.SliceStable(out, func(i, j int) bool {
		return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name)
	})
	return out
}

// Route returns the role that handles token when no role is named: the
// lowest slug among the roles whitelisting it.
func (c *Catalog) Route(token string) (Role, bool) {
	candidates := c.Candidates(token)
	if len(candidates) == 0 {
		return Role{}, false
	}
	return c.roles[candidates[0]], true
}

// Candidates returns every slug whitelisting token, sorted. The token's sigil
// is ignored.
func (c *Catalog) Candidates(token string) []string {
	if c == nil {
		return nil
	}
	slugs := c.commands[CommandKey(token)]
	return append([]string(nil), slugs...)
}

// Commands returns every whitelisted command name without its sigil, sorted.
func (c *Catalog) Commands() []string {
	if c == nil {
		return nil
	}
	out := make([]string, 0, len(c.commands))
	for token := range c.commands {
		out = append(out, token)
	}
	sort.Strings(out)
	return out
}
