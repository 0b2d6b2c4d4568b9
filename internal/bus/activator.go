package bus

// Activator is the service-activation collaborator behind
// StartServiceByName. Spawning helper processes is out of scope for busd
// itself; this gives the driver method table a concrete interface with a
// no-op default so it stays complete even though nothing in busd actually
// spawns anything.
type Activator interface {
	// Activate attempts to bring the named service online. A nil return
	// means the caller should retry NameHasOwner/GetNameOwner; busd never
	// blocks on activation itself.
	Activate(name string) error
}

// NoopActivator always reports that activation is not configured; it is
// the default wired into a new Context when no Activator is supplied.
type NoopActivator struct{}

func (NoopActivator) Activate(name string) error {
	return newBusError(ErrNoSuchDestination, ErrNameServiceDoesNotExist, "service activation is not configured for %q", name)
}
