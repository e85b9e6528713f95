package protocol

import (
	"errors"
	"strings"
)

var (
	ErrInvalidPacket = errors.New("invalid packet format")
)

// Packet is one parsed line of the TCP line protocol.
type Packet struct {
	Type        string
	Destination string
	Content     string
	Fields      []string // Content split on unescaped '|'
}

func ParsePacket(line string) (*Packet, error) {
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")

	parts := splitUnescaped(line, '|')
	if len(parts) < 1 || parts[0] == "" {
		return nil, ErrInvalidPacket
	}

	pkt := &Packet{
		Type: unescape(parts[0]),
	}

	if len(parts) == 2 {
		// TYPE|CONTENT
		pkt.Content = unescape(parts[1])
		pkt.Fields = unescapeAll(splitUnescaped(parts[1], '|'))
	} else if len(parts) >= 3 {
		// TYPE|DESTINATION|CONTENT; an unescaped '|' inside the content is
		// kept as part of it.
		raw := strings.Join(parts[2:], "|")
		pkt.Destination = unescape(parts[1])
		pkt.Content = unescape(raw)
		pkt.Fields = unescapeAll(parts[2:])
	}

	return pkt, nil
}

// FormatFields builds a line: every field is escaped separately and joined
// with unescaped '|'.
func FormatFields(pktType string, fields ...string) string {
	parts := make([]string, 0, len(fields)+1)
	parts = append(parts, Escape(pktType))
	for _, field := range fields {
		parts = append(parts, Escape(field))
	}
	return strings.Join(parts, "|") + "\n"
}

// splitUnescaped splits s on delimiter, skipping escaped delimiters. The
// escapes themselves are preserved.
func splitUnescaped(s string, delimiter rune) []string {
	var parts []string
	var current strings.Builder
	escape := false

	for _, r := range s {
		if escape {
			current.WriteRune(r)
			escape = false
			continue
		}

		if r == '\\' {
			escape = true
			current.WriteRune(r)
			continue
		}

		if r == delimiter {
			parts = append(parts, current.String())
			current.Reset()
			continue
		}

		current.WriteRune(r)
	}

	parts = append(parts, current.String())
	return parts
}

func unescapeAll(parts []string) []string {
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = unescape(p)
	}
	return out
}

func unescape(s string) string {
	var result strings.Builder
	escape := false

	for i, r := range s {
		if escape {
			switch r {
			case '|':
				result.WriteRune('|')
			case ',':
				result.WriteRune(',')
			case '\\':
				result.WriteRune('\\')
			case 'n':
				result.WriteRune('\n')
			case 'r':
				result.WriteRune('\r')
			default:
				// unknown escape, keep it verbatim
				result.WriteRune('\\')
				result.WriteRune(r)
			}
			escape = false
			continue
		}

		if r == '\\' && i < len(s)-1 {
			escape = true
			continue
		}

		result.WriteRune(r)
	}

	return result.String()
}

// Escape escapes the characters that are structural in the line protocol.
func Escape(s string) string {
	var result strings.Builder

	for _, r := range s {
		switch r {
		case '|':
			result.WriteString("\\|")
		case ',':
			result.WriteString("\\,")
		case '\\':
			result.WriteString("\\\\")
		case '\n':
			result.WriteString("\\n")
		case '\r':
			result.WriteString("\\r")
		default:
			result.WriteRune(r)
		}
	}

	return result.String()
}
