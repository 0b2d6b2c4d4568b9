package bus

import (
	"fmt"
	"strings"

	"github.com/sandia-minimega/busd/internal/wire"
)

// MatchRule is a conjunction of optional filters. An empty field means
// "don't filter on this"; Matches short-circuits on the first disagreeing
// field.
type MatchRule struct {
	Type        string // "method_call" | "method_return" | "error" | "signal" | ""
	Interface   string
	Member      string
	Sender      string
	Destination string
	Path        string
	Arg0        string
}

var msgTypeNames = map[byte]string{
	wire.TypeMethodCall:   "method_call",
	wire.TypeMethodReturn: "method_return",
	wire.TypeError:        "error",
	wire.TypeSignal:       "signal",
}

// Matches reports whether every filter r sets agrees with msg.
func (r MatchRule) Matches(msg *Message) bool {
	if r.Type != "" && r.Type != msgTypeNames[msg.Header.Type] {
		return false
	}
	if r.Interface != "" && r.Interface != msg.Header.Interface {
		return false
	}
	if r.Member != "" && r.Member != msg.Header.Member {
		return false
	}
	if r.Sender != "" && r.Sender != msg.Header.Sender {
		return false
	}
	if r.Destination != "" && r.Destination != msg.Header.Destination {
		return false
	}
	if r.Path != "" && r.Path != msg.Header.Path {
		return false
	}
	if r.Arg0 != "" {
		arg0, ok := firstStringArg(msg)
		if !ok || arg0 != r.Arg0 {
			return false
		}
	}
	return true
}

func firstStringArg(msg *Message) (string, bool) {
	if len(msg.Header.Signature) == 0 || msg.Header.Signature[0] != wire.TypeString {
		return "", false
	}
	r := wire.NewReader(msg.Header.Order, msg.Header.Signature, msg.Body)
	s, err := r.ReadString()
	if err != nil {
		return "", false
	}
	return s, true
}

// ParseMatchRule parses AddMatch's rule-string argument, e.g.
// "type='signal',interface='org.freedesktop.DBus'" — a comma-separated list
// of key='value' pairs.
func ParseMatchRule(rule string) (MatchRule, error) {
	var r MatchRule
	for _, part := range strings.Split(rule, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		eq := strings.IndexByte(part, '=')
		if eq < 0 {
			return MatchRule{}, newBusError(ErrDecodeFailure, ErrNameInvalidArgs, "malformed match rule term %q", part)
		}
		key := part[:eq]
		val := strings.Trim(part[eq+1:], "'")
		switch key {
		case "type":
			r.Type = val
		case "interface":
			r.Interface = val
		case "member":
			r.Member = val
		case "sender":
			r.Sender = val
		case "destination":
			r.Destination = val
		case "path":
			r.Path = val
		case "arg0":
			r.Arg0 = val
		default:
			return MatchRule{}, newBusError(ErrDecodeFailure, ErrNameInvalidArgs, "unknown match rule key %q", key)
		}
	}
	return r, nil
}

// ruleKey is the dedup key for a connection's list of match rules: AddMatch
// is idempotent (adding the same rule string twice does not create two
// subscriptions).
func ruleKey(r MatchRule) string {
	return fmt.Sprintf("%s|%s|%s|%s|%s|%s|%s", r.Type, r.Interface, r.Member, r.Sender, r.Destination, r.Path, r.Arg0)
}

// matchmaker appends, in registry registration order, every connection
// (other than sender or addressed) with at least one rule matching msg, at
// most once per connection even if several of its rules match. The sender
// is always excluded even if one of its own rules would otherwise match: a
// signal never loops back to its own emitter through the matchmaker.
func (ctx *Context) matchmaker(tx *Transaction, sender, addressed *Connection, msg *Message) error {
	for _, conn := range ctx.Registry.AllConnections() {
		if conn == sender || conn == addressed || conn.isDisconnected() {
			continue
		}
		conn.mu.Lock()
		rules := conn.MatchRules
		conn.mu.Unlock()
		for _, rule := range rules {
			if rule.Matches(msg) {
				if err := tx.AddSend(conn, msg); err != nil {
					return err
				}
				break
			}
		}
	}
	return nil
}
