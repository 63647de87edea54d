package core

import (
	"strings"
)

// ManagedDomain is one domain set under certificate lifecycle control. The
// primary name keys everything: challenge directories, certificate store
// entries and drive jobs.
type ManagedDomain struct {
	Name      string
	Aliases   []string
	DriveMode string
	Contact   string
	VhostPort int
	VhostTLS  bool
}

// DomainNames returns the primary name followed by all aliases, the set the
// certificate order gets submitted with.
func (md *ManagedDomain) DomainNames() []string {
	ret := []string{md.Name}
	ret = append(ret, md.Aliases...)
	return ret
}

// Covers reports whether the given name is the primary name or one of the
// aliases. Alias order does not matter.
func (md *ManagedDomain) Covers(name string) bool {
	name = strings.ToLower(name)
	if name == md.Name {
		return true
	}
	return stringExists(name, md.Aliases)
}

// Registry is the ordered set of managed domains built from one configuration
// snapshot. It is immutable; a reload produces a new one.
type Registry struct {
	mds   []*ManagedDomain
	names []string
	byKey map[string]*ManagedDomain
}

// NewRegistry derives the registry from the configuration. Pure function of
// its input: no side effects, same config gives the same registry. Malformed
// domain syntax or overlapping names block server start.
func NewRegistry(cfg *Config) (*Registry, error) {
	r := &Registry{
		byKey: make(map[string]*ManagedDomain),
	}

	seen := make(map[string]string)
	for _, blk := range cfg.GetMds() {
		if blk.Name == "" {
			return nil, &ConfigError{Key: CFG_MDS, Reason: "md block without a name"}
		}
		if !IsValidDomain(blk.Name) {
			return nil, &ConfigError{Key: CFG_MDS, Reason: "invalid domain name: " + blk.Name}
		}
		if owner, ok := seen[blk.Name]; ok {
			return nil, &ConfigError{Key: CFG_MDS, Reason: "domain '" + blk.Name + "' already used by md '" + owner + "'"}
		}
		seen[blk.Name] = blk.Name

		md := &ManagedDomain{
			Name:      blk.Name,
			DriveMode: blk.DriveMode,
			Contact:   blk.Contact,
			VhostPort: blk.VhostPort,
			VhostTLS:  blk.VhostTLS,
		}
		for _, a := range blk.Aliases {
			a = strings.ToLower(strings.TrimSpace(a))
			if a == "" || a == md.Name {
				continue
			}
			if !IsValidDomain(a) {
				return nil, &ConfigError{Key: CFG_MDS, Reason: "invalid alias '" + a + "' on md '" + md.Name + "'"}
			}
			if owner, ok := seen[a]; ok {
				return nil, &ConfigError{Key: CFG_MDS, Reason: "domain '" + a + "' already used by md '" + owner + "'"}
			}
			seen[a] = md.Name
			md.Aliases = append(md.Aliases, a)
		}

		r.mds = append(r.mds, md)
		r.names = append(r.names, md.Name)
		r.byKey[md.Name] = md
	}

	return r, nil
}

// Get returns the managed domain with the given primary name.
func (r *Registry) Get(name string) (*ManagedDomain, bool) {
	md, ok := r.byKey[strings.ToLower(name)]
	return md, ok
}

// Mds returns the managed domains in configuration order.
func (r *Registry) Mds() []*ManagedDomain {
	return r.mds
}

// Names returns the primary names in configuration order. This is the active
// set the challenge store reconciles against.
func (r *Registry) Names() []string {
	ret := make([]string, len(r.names))
	copy(ret, r.names)
	return ret
}

// Len returns the number of managed domains.
func (r *Registry) Len() int {
	return len(r.mds)
}
