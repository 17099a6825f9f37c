package classify

// keywords are expression-language words that are never dependency
// references.
var keywords = map[string]bool{
	"and":   true,
	"or":    true,
	"not":   true,
	"in":    true,
	"if":    true,
	"else":  true,
	"true":  true,
	"false": true,
	"True":  true,
	"False": true,
	"nil":   true,
	"none":  true,
	"None":  true,
}

// scanIdentifiers tokenizes an expression and returns the identifier tokens
// that can be dependency references: dotted identifier runs, excluding
// keywords, numeric literals, string-literal contents, and function-call
// names (an identifier immediately followed by an open paren).
func scanIdentifiers(expression string) []string {
	var out []string
	i := 0
	n := len(expression)

	for i < n {
		c := expression[i]

		// Skip string literals, both quote styles.
		if c == '"' || c == '\'' {
			quote := c
			i++
			for i < n && expression[i] != quote {
				if expression[i] == '\\' {
					i++
				}
				i++
			}
			i++ // closing quote
			continue
		}

		// Skip numeric literals (including a leading digit's dotted part),
		// so "1.5" never reads as a dotted identifier.
		if isDigit(c) {
			for i < n && (isDigit(expression[i]) || expression[i] == '.' || expression[i] == 'e' || expression[i] == 'E') {
				i++
			}
			continue
		}

		if isIdentStart(c) {
			start := i
			for i < n && isIdentPart(expression[i]) {
				i++
			}
			// Dotted continuation: sensor.kitchen_power, state.attr
			for i+1 < n && expression[i] == '.' && isIdentStart(expression[i+1]) {
				i++
				for i < n && isIdentPart(expression[i]) {
					i++
				}
			}
			tok := expression[start:i]

			// A name directly followed by '(' is a function call.
			j := i
			for j < n && expression[j] == ' ' {
				j++
			}
			if j < n && expression[j] == '(' {
				continue
			}
			if keywords[tok] {
				continue
			}
			out = append(out, tok)
			continue
		}

		i++
	}

	return out
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool { return isIdentStart(c) || isDigit(c) }
