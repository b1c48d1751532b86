package csvio

import (
	"fmt"
	"strings"
)

// strptime directives supported on import, mapped to Go reference-layout
// fragments. The default import format is "%Y-%m-%d %H:%M:%S".
var strptimeTokens = map[byte]string{
	'Y': "2006",
	'y': "06",
	'm': "01",
	'd': "02",
	'H': "15",
	'M': "04",
	'S': "05",
	'f': "000000",
	'j': "002",
	'%': "%",
}

// TranslateTimeFormat converts a strptime-style datetime format into a Go
// reference layout. Formats without any % directive are assumed to already
// be Go layouts and pass through unchanged.
func TranslateTimeFormat(format string) (string, error) {
	if !strings.ContainsRune(format, '%') {
		return format, nil
	}

	var b strings.Builder
	for i := 0; i < len(format); i++ {
		c := format[i]
		if c != '%' {
			b.WriteByte(c)
			continue
		}
		i++
		if i >= len(format) {
			return "", fmt.Errorf("datetime format %q ends with a bare %%", format)
		}
		layout, ok := strptimeTokens[format[i]]
		if !ok {
			return "", fmt.Errorf("unsupported datetime directive %%%c in format %q", format[i], format)
		}
		b.WriteString(layout)
	}
	return b.String(), nil
}
