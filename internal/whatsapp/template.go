package whatsapp

import "regexp"

var placeholder = regexp.MustCompile(`\{\{([^{}]+)\}\}`)

// RenderTemplate replaces every {{field}} with the matching contact field.
// Placeholders without a field are left as written. Substituted values are
// not scanned again.
func RenderTemplate(template string, fields map[string]string) string {
	if len(fields) == 0 {
		return template
	}
	return placeholder.ReplaceAllStringFunc(template, func(m string) string {
		if v, ok := fields[m[2:len(m)-2]]; ok {
			return v
		}
		return m
	})
}
