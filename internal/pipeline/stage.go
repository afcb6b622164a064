// Package pipeline builds and runs the symmetric transform chains applied to
// the transfer byte stream: zstd compression, authenticated encryption, and
// bandwidth limiting, in a fixed protocol order on both ends.
package pipeline

import "fmt"

// Kind identifies one transform in the fixed stage set.
type Kind int

const (
	Raw Kind = iota + 1
	Compress
	Decompress
	Encrypt
	Decrypt
	RateLimit
)

var kindNames = [...]string{
	Raw:        "raw",
	Compress:   "compress",
	Decompress: "decompress",
	Encrypt:    "encrypt",
	Decrypt:    "decrypt",
	RateLimit:  "ratelimit",
}

func (k Kind) String() string {
	if k > 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// Stage is one transform descriptor. Parameter fields are only meaningful
// for the kinds that use them. The Key field is a reference handle; the key
// material inside it is never exposed by String or any encoder.
type Stage struct {
	Kind        Kind
	BytesPerSec int64
	Key         KeyRef
}

func (s Stage) String() string {
	switch s.Kind {
	case RateLimit:
		return fmt.Sprintf("ratelimit(%d B/s)", s.BytesPerSec)
	case Encrypt, Decrypt:
		return fmt.Sprintf("%s(%s)", s.Kind, s.Key)
	default:
		return s.Kind.String()
	}
}

// Config selects the optional transforms for one transfer.
type Config struct {
	Compress    bool
	Encrypt     bool
	Key         KeyRef // optional pre-generated key; zero value requests a fresh one
	BytesPerSec int64  // 0 = unlimited
}

// Build produces the ordered sender stage list and its exact mirror for the
// receiver. Deterministic: the same configuration always yields the same
// lists. Sender order is Raw, Compress, Encrypt, RateLimit; the receiver
// decodes Decrypt then Decompress. RateLimit has no receiver counterpart
// since throttling either end bounds the stream.
//
// When encryption is requested without key material, a fresh ephemeral key
// is drawn from keys. Building never touches the network or disk.
func Build(cfg Config, keys KeySource) (sender, receiver []Stage, err error) {
	sender = []Stage{{Kind: Raw}}

	if cfg.Compress {
		sender = append(sender, Stage{Kind: Compress})
	}

	key := cfg.Key
	if cfg.Encrypt {
		if !key.Valid() {
			if keys == nil {
				return nil, nil, fmt.Errorf("encryption requested but no key source")
			}
			key, err = keys.NewKey()
			if err != nil {
				return nil, nil, fmt.Errorf("generate transfer key: %w", err)
			}
		}
		sender = append(sender, Stage{Kind: Encrypt, Key: key})
	}

	if cfg.BytesPerSec > 0 {
		sender = append(sender, Stage{Kind: RateLimit, BytesPerSec: cfg.BytesPerSec})
	}

	if cfg.Encrypt {
		receiver = append(receiver, Stage{Kind: Decrypt, Key: key})
	}
	if cfg.Compress {
		receiver = append(receiver, Stage{Kind: Decompress})
	}
	receiver = append(receiver, Stage{Kind: Raw})

	return sender, receiver, nil
}
