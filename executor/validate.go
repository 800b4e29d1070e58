package executor

import (
	"fmt"
	"strings"
)

// OutputValidator checks a successful attempt's output before it is
// accepted. A validation failure counts as an attempt failure.
type OutputValidator interface {
	Validate(taskName string, output any) error
}

// OutputValidatorFunc adapts a function to the OutputValidator interface.
type OutputValidatorFunc func(taskName string, output any) error

func (f OutputValidatorFunc) Validate(taskName string, output any) error {
	return f(taskName, output)
}

// syntaxValidator is the default validator: when the output looks like
// generated source, it checks bracket balance. It deliberately knows
// nothing about any particular language.
type syntaxValidator struct{}

func (syntaxValidator) Validate(taskName string, output any) error {
	text, ok := outputText(output)
	if !ok || !looksLikeSource(text) {
		return nil
	}
	if err := checkBalance(text); err != nil {
		return fmt.Errorf("output of %q failed syntax validation: %w", taskName, err)
	}
	return nil
}

func outputText(output any) (string, bool) {
	switch v := output.(type) {
	case string:
		return v, true
	case map[string]any:
		for _, key := range []string{"code", "content", "output"} {
			if s, ok := v[key].(string); ok {
				return s, true
			}
		}
	}
	return "", false
}

var sourceMarkers = []string{
	"func ", "def ", "class ", "import ", "package ", "return ", "#include",
}

func looksLikeSource(s string) bool {
	for _, m := range sourceMarkers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// checkBalance verifies brackets pair up outside of string literals.
func checkBalance(s string) error {
	var stack []rune
	pairs := map[rune]rune{')': '(', ']': '[', '}': '{'}
	var inString rune

	for _, r := range s {
		if inString != 0 {
			if r == inString {
				inString = 0
			}
			continue
		}
		switch r {
		case '"', '\'', '`':
			inString = r
		case '(', '[', '{':
			stack = append(stack, r)
		case ')', ']', '}':
			if len(stack) == 0 || stack[len(stack)-1] != pairs[r] {
				return fmt.Errorf("unbalanced %q", r)
			}
			stack = stack[:len(stack)-1]
		}
	}
	if len(stack) > 0 {
		return fmt.Errorf("unclosed %q", stack[len(stack)-1])
	}
	return nil
}
