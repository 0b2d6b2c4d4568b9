package main

import "github.com/sandia-minimega/busd/internal/bus"

// configPolicy enforces a Config's sender allow-list and destination
// deny-list; an empty AllowedSenders list means allow-all, matching
// bus.AllowAllPolicy's own default so an unconfigured busd behaves
// identically to one with no policy wired at all.
type configPolicy struct {
	allowedSenders      map[string]bool
	deniedDestinations  map[string]bool
}

func newConfigPolicy(c *Config) bus.Policy {
	if len(c.AllowedSenders) == 0 && len(c.DeniedDestinations) == 0 {
		return bus.AllowAllPolicy{}
	}
	p := &configPolicy{
		allowedSenders:     map[string]bool{},
		deniedDestinations: map[string]bool{},
	}
	for _, n := range c.AllowedSenders {
		p.allowedSenders[n] = true
	}
	for _, n := range c.DeniedDestinations {
		p.deniedDestinations[n] = true
	}
	return p
}

func (p *configPolicy) CheckSend(sender, recipient *bus.Connection, msg *bus.Message) error {
	if len(p.allowedSenders) > 0 {
		allowed := p.allowedSenders[msg.Header.Sender]
		if !allowed && sender != nil {
			for name := range sender.OwnedNames {
				if p.allowedSenders[name] {
					allowed = true
					break
				}
			}
		}
		if !allowed {
			return bus.Deny("sender " + msg.Header.Sender + " is not in the configured allow-list")
		}
	}
	if dest := msg.Header.Destination; dest != "" && p.deniedDestinations[dest] {
		return bus.Deny("destination " + dest + " is configured deny-listed")
	}
	return nil
}
