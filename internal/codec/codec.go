// Package codec implements the compact text encoding used for RPC argument
// payloads. Wire format: values joined by '|', each value "tag:payload".
// Tags: i=int32, l=int64, f=float32, d=float64, b=bool, s=string,
// v2/v3=vector, q=quaternion, c=color. Vector components are joined by ','.
// '|' and '\' inside strings are backslash-escaped.
package codec

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Lewxa2011/FireNet/internal/nmath"
)

// Encode serializes an argument list to its wire form.
// Returns an error for any unsupported argument type.
func Encode(args []any) (string, error) {
	if len(args) == 0 {
		return "", nil
	}
	var sb strings.Builder
	for i, arg := range args {
		if i > 0 {
			sb.WriteByte('|')
		}
		if err := encodeOne(&sb, arg); err != nil {
			return "", fmt.Errorf("arg %d: %w", i, err)
		}
	}
	return sb.String(), nil
}

func encodeOne(sb *strings.Builder, arg any) error {
	switch v := arg.(type) {
	case int:
		sb.WriteString("l:")
		sb.WriteString(strconv.FormatInt(int64(v), 10))
	case int32:
		sb.WriteString("i:")
		sb.WriteString(strconv.FormatInt(int64(v), 10))
	case int64:
		sb.WriteString("l:")
		sb.WriteString(strconv.FormatInt(v, 10))
	case float32:
		sb.WriteString("f:")
		sb.WriteString(formatFloat(v))
	case float64:
		sb.WriteString("d:")
		sb.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
	case bool:
		if v {
			sb.WriteString("b:1")
		} else {
			sb.WriteString("b:0")
		}
	case string:
		sb.WriteString("s:")
		sb.WriteString(escape(v))
	case nmath.Vector2:
		sb.WriteString("v2:")
		writeFloats(sb, v.X, v.Y)
	case nmath.Vector3:
		sb.WriteString("v3:")
		writeFloats(sb, v.X, v.Y, v.Z)
	case nmath.Quaternion:
		sb.WriteString("q:")
		writeFloats(sb, v.X, v.Y, v.Z, v.W)
	case nmath.Color:
		sb.WriteString("c:")
		writeFloats(sb, v.R, v.G, v.B, v.A)
	default:
		return fmt.Errorf("unsupported type %T", arg)
	}
	return nil
}

// Decode parses a wire string back into an argument list.
func Decode(s string) ([]any, error) {
	if s == "" {
		return nil, nil
	}
	fields := splitFields(s)
	args := make([]any, 0, len(fields))
	for i, field := range fields {
		arg, err := decodeOne(field)
		if err != nil {
			return nil, fmt.Errorf("field %d: %w", i, err)
		}
		args = append(args, arg)
	}
	return args, nil
}

func decodeOne(field string) (any, error) {
	tag, payload, ok := strings.Cut(field, ":")
	if !ok {
		return nil, fmt.Errorf("missing tag separator in %q", field)
	}
	switch tag {
	case "i":
		n, err := strconv.ParseInt(payload, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("int32 %q: %w", payload, err)
		}
		return int32(n), nil
	case "l":
		n, err := strconv.ParseInt(payload, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("int64 %q: %w", payload, err)
		}
		return n, nil
	case "f":
		f, err := strconv.ParseFloat(payload, 32)
		if err != nil {
			return nil, fmt.Errorf("float32 %q: %w", payload, err)
		}
		return float32(f), nil
	case "d":
		f, err := strconv.ParseFloat(payload, 64)
		if err != nil {
			return nil, fmt.Errorf("float64 %q: %w", payload, err)
		}
		return f, nil
	case "b":
		switch payload {
		case "1":
			return true, nil
		case "0":
			return false, nil
		}
		return nil, fmt.Errorf("bool %q", payload)
	case "s":
		return unescape(payload), nil
	case "v2":
		fs, err := parseFloats(payload, 2)
		if err != nil {
			return nil, err
		}
		return nmath.Vector2{X: fs[0], Y: fs[1]}, nil
	case "v3":
		fs, err := parseFloats(payload, 3)
		if err != nil {
			return nil, err
		}
		return nmath.Vector3{X: fs[0], Y: fs[1], Z: fs[2]}, nil
	case "q":
		fs, err := parseFloats(payload, 4)
		if err != nil {
			return nil, err
		}
		return nmath.Quaternion{X: fs[0], Y: fs[1], Z: fs[2], W: fs[3]}, nil
	case "c":
		fs, err := parseFloats(payload, 4)
		if err != nil {
			return nil, err
		}
		return nmath.Color{R: fs[0], G: fs[1], B: fs[2], A: fs[3]}, nil
	}
	return nil, fmt.Errorf("unknown tag %q", tag)
}

func formatFloat(f float32) string {
	return strconv.FormatFloat(float64(f), 'g', -1, 32)
}

func writeFloats(sb *strings.Builder, fs ...float32) {
	for i, f := range fs {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(formatFloat(f))
	}
}

func parseFloats(payload string, n int) ([]float32, error) {
	parts := strings.Split(payload, ",")
	if len(parts) != n {
		return nil, fmt.Errorf("want %d components, got %d in %q", n, len(parts), payload)
	}
	fs := make([]float32, n)
	for i, p := range parts {
		f, err := strconv.ParseFloat(p, 32)
		if err != nil {
			return nil, fmt.Errorf("component %d %q: %w", i, p, err)
		}
		fs[i] = float32(f)
	}
	return fs, nil
}

func escape(s string) string {
	if !strings.ContainsAny(s, `|\`) {
		return s
	}
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '|':
			sb.WriteString(`\p`)
		case '\\':
			sb.WriteString(`\\`)
		default:
			sb.WriteByte(s[i])
		}
	}
	return sb.String()
}

func unescape(s string) string {
	if !strings.ContainsRune(s, '\\') {
		return s
	}
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
			if s[i] == 'p' {
				sb.WriteByte('|')
			} else {
				sb.WriteByte(s[i])
			}
			continue
		}
		sb.WriteByte(s[i])
	}
	return sb.String()
}

// splitFields splits on unescaped '|'.
func splitFields(s string) []string {
	var fields []string
	start := 0
	escaped := false
	for i := 0; i < len(s); i++ {
		switch {
		case escaped:
			escaped = false
		case s[i] == '\\':
			escaped = true
		case s[i] == '|':
			fields = append(fields, s[start:i])
			start = i + 1
		}
	}
	return append(fields, s[start:])
}
