package logger

import (
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

const (
	ansiReset  = "\033[0m"
	ansiDim    = "\033[2m"
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
	ansiBlue   = "\033[34m"
	ansiPurple = "\033[35m"
)

// Matches JSON keys (quoted string followed by a colon), string values,
// booleans, null and numbers.
var jsonToken = regexp.MustCompile(`("(\\u[a-zA-Z0-9]{4}|\\[^u]|[^\\"])*"(\s*:)?|\b(true|false|null)\b|-?\d+(?:\.\d*)?(?:[eE][+\-]?\d+)?)`)

// highlightEncoder colorizes the structured-field JSON blob the console
// encoder appends after the message.
type highlightEncoder struct {
	zapcore.Encoder
}

func newHighlightEncoder(cfg zapcore.EncoderConfig) zapcore.Encoder {
	return &highlightEncoder{Encoder: zapcore.NewConsoleEncoder(cfg)}
}

func (h *highlightEncoder) Clone() zapcore.Encoder {
	return &highlightEncoder{Encoder: h.Encoder.Clone()}
}

func (h *highlightEncoder) EncodeEntry(ent zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	buf, err := h.Encoder.EncodeEntry(ent, fields)
	if err != nil {
		return nil, err
	}

	line := buf.String()
	// The console encoder joins the entry header and the field blob with a
	// tab; anything before the first "\t{" is header.
	idx := strings.Index(line, "\t{")
	if idx == -1 {
		return buf, nil
	}

	out := buffer.NewPool().Get()
	out.AppendString(line[:idx+1])
	out.AppendString(colorizeJSON(line[idx+1:]))
	buf.Free()
	return out, nil
}

func colorizeJSON(s string) string {
	return jsonToken.ReplaceAllStringFunc(s, func(tok string) string {
		switch {
		case strings.HasSuffix(tok, ":"):
			return fmt.Sprintf("%s%s%s:", ansiBlue, tok[:len(tok)-1], ansiReset)
		case strings.HasPrefix(tok, `"`):
			return ansiGreen + tok + ansiReset
		case tok == "true" || tok == "false":
			return ansiYellow + tok + ansiReset
		case tok == "null":
			return ansiDim + tok + ansiReset
		default:
			return ansiPurple + tok + ansiReset
		}
	})
}
