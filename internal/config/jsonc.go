package config

import "strings"

// stripComments removes // and /* */ comments from config file content so
// the file can carry annotations while remaining plain JSON underneath.
// Comment markers inside string literals are left alone.
func stripComments(data []byte) []byte {
	input := string(data)
	var out strings.Builder
	out.Grow(len(input))

	inString := false
	for i := 0; i < len(input); {
		c := input[i]
		if c == '"' && (i == 0 || input[i-1] != '\\') {
			inString = !inString
			out.WriteByte(c)
			i++
			continue
		}
		if !inString && c == '/' && i+1 < len(input) {
			switch input[i+1] {
			case '/':
				for i < len(input) && input[i] != '\n' {
					i++
				}
				continue
			case '*':
				i += 2
				for i+1 < len(input) && !(input[i] == '*' && input[i+1] == '/') {
					i++
				}
				i += 2
				continue
			}
		}
		out.WriteByte(c)
		i++
	}
	return []byte(out.String())
}
