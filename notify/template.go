package notify

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	bracePlaceholderPattern   = regexp.MustCompile(`\{\{\s*([\w.]+)\s*\}\}`)
	percentPlaceholderPattern = regexp.MustCompile(`%(\w+)%`)
)

// Render substitutes placeholders in a message template from a data
// document. Both `{{path.to.value}}` (dotted lookup into nested objects)
// and the legacy `%token%` (top-level lookup) forms are supported. Unknown
// or non-scalar placeholders render as the empty string so a stale template
// never fails a dispatch.
func Render(template string, data map[string]any) string {
	if template == "" {
		return ""
	}

	rendered := bracePlaceholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		path := bracePlaceholderPattern.FindStringSubmatch(match)[1]

		return lookupPath(data, path)
	})

	return percentPlaceholderPattern.ReplaceAllStringFunc(rendered, func(match string) string {
		token := percentPlaceholderPattern.FindStringSubmatch(match)[1]

		return lookupPath(data, token)
	})
}

func lookupPath(data map[string]any, path string) string {
	var current any = data

	for _, segment := range strings.Split(path, ".") {
		node, ok := current.(map[string]any)
		if !ok {
			return ""
		}

		current, ok = node[segment]
		if !ok {
			return ""
		}
	}

	return stringify(current)
}

func stringify(value any) string {
	switch typed := value.(type) {
	case nil:
		return ""
	case string:
		return typed
	case float64:
		// JSON numbers decode as float64; render integers without the
		// trailing ".0".
		if typed == float64(int64(typed)) {
			return fmt.Sprintf("%d", int64(typed))
		}

		return fmt.Sprintf("%g", typed)
	case bool:
		return fmt.Sprintf("%t", typed)
	case int:
		return fmt.Sprintf("%d", typed)
	case int64:
		return fmt.Sprintf("%d", typed)
	default:
		return ""
	}
}
