package logging

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/pharmadir/internal/config"
)

const redacted = "[REDACTED]"

// Secret creates a Zap field for config.Secret that logs only its length.
func Secret(key string, val config.Secret) zap.Field {
	return RedactedString(key, val.Value())
}

// RedactedString creates a Zap field with redacted value and length.
func RedactedString(key, val string) zap.Field {
	return zap.String(key, "[REDACTED:"+strconv.Itoa(len(val))+"]")
}

// RedactingEncoder wraps a zapcore.Encoder and masks string fields whose key
// is sensitive or whose value matches a pattern. It applies to fields added
// with With and to fields passed at the call site.
type RedactingEncoder struct {
	zapcore.Encoder
	keys     map[string]bool
	patterns []*regexp.Regexp
}

// NewRedactingEncoder wraps base with the rules in cfg.
func NewRedactingEncoder(base zapcore.Encoder, cfg RedactionConfig) (*RedactingEncoder, error) {
	e := &RedactingEncoder{Encoder: base, keys: map[string]bool{}}
	if !cfg.Enabled {
		return e, nil
	}
	for _, f := range cfg.Fields {
		e.keys[strings.ToLower(f)] = true
	}
	for _, p := range cfg.Patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid redaction pattern %q: %w", p, err)
		}
		e.patterns = append(e.patterns, re)
	}
	return e, nil
}

func (e *RedactingEncoder) redact(key, val string) (string, bool) {
	if e.keys[strings.ToLower(key)] {
		return redacted, true
	}
	for _, re := range e.patterns {
		if re.MatchString(val) {
			return "[REDACTED:pattern]", true
		}
	}
	return val, false
}

// AddString redacts sensitive keys and values.
func (e *RedactingEncoder) AddString(key, val string) {
	val, _ = e.redact(key, val)
	e.Encoder.AddString(key, val)
}

// AddReflected redacts the whole value when the key is sensitive.
func (e *RedactingEncoder) AddReflected(key string, val interface{}) error {
	if e.keys[strings.ToLower(key)] {
		e.Encoder.AddString(key, redacted)
		return nil
	}
	return e.Encoder.AddReflected(key, val)
}

// Clone creates a copy of the encoder.
func (e *RedactingEncoder) Clone() zapcore.Encoder {
	return &RedactingEncoder{
		Encoder:  e.Encoder.Clone(),
		keys:     e.keys,
		patterns: e.patterns,
	}
}

// EncodeEntry rewrites call-site fields before delegating, since the wrapped
// encoder adds them to its own clone.
func (e *RedactingEncoder) EncodeEntry(ent zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	if len(e.keys) == 0 && len(e.patterns) == 0 {
		return e.Encoder.EncodeEntry(ent, fields)
	}
	if msg, ok := e.redact("", ent.Message); ok {
		ent.Message = msg
	}
	out := make([]zapcore.Field, len(fields))
	for i, f := range fields {
		out[i] = f
		switch f.Type {
		case zapcore.StringType:
			if val, ok := e.redact(f.Key, f.String); ok {
				out[i] = zap.String(f.Key, val)
			}
		case zapcore.ReflectType, zapcore.StringerType, zapcore.ByteStringType, zapcore.BinaryType:
			if e.keys[strings.ToLower(f.Key)] {
				out[i] = zap.String(f.Key, redacted)
			}
		}
	}
	return e.Encoder.EncodeEntry(ent, out)
}
