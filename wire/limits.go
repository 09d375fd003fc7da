package wire

// DefaultMaxMessage is the default maximum encoded record size (1 MiB)
const DefaultMaxMessage int = 1 << 20

// MaxMessageHardLimit bounds every configured limit. It keeps the first byte
// of a CBOR length prefix at zero, which is what format sniffing relies on.
const MaxMessageHardLimit int = 1<<24 - 1

// Limits represents per-channel size limits
type Limits struct {
	MaxMessage int `toml:"max_message_size"`
}

// DefaultLimits returns the default channel limits
func DefaultLimits() Limits {
	return Limits{MaxMessage: DefaultMaxMessage}
}

// Effective returns the limit actually enforced. Unset means the default and
// nothing exceeds the hard limit.
func (l Limits) Effective() int {
	switch {
	case l.MaxMessage <= 0:
		return DefaultMaxMessage
	case l.MaxMessage > MaxMessageHardLimit:
		return MaxMessageHardLimit
	default:
		return l.MaxMessage
	}
}
