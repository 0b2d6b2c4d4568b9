package bus

// Policy is the security-check collaborator: it sees the sender, the
// resolved recipient (nil for a driver call or an unaddressed signal still
// heading to the matchmaker), and the message, and either allows it or
// returns a reason for denial. busd wires a concrete interface plus an
// allow-all default so the dispatcher's security check is fully exercised
// end to end rather than stubbed out.
type Policy interface {
	CheckSend(sender, recipient *Connection, msg *Message) error
}

// AllowAllPolicy permits every send; it is the default wired into a new
// Context when no Policy is supplied.
type AllowAllPolicy struct{}

func (AllowAllPolicy) CheckSend(*Connection, *Connection, *Message) error { return nil }

// Deny returns a policy-denied error carrying reason, for Policy
// implementations to return from CheckSend.
func Deny(reason string) error {
	return &policyDenied{reason: reason}
}
