// Package prompt assembles the text sent to the model.
package prompt

import "strings"

const (
	systemLabel = "INSTRUCCIÓN DE SISTEMA: "
	userLabel   = "MENSAJE USUARIO: "
)

// Assemble concatenates the system instructions and the user's literal message.
func Assemble(instructions []string, message string) string {
	var b strings.Builder
	b.WriteString(systemLabel)
	b.WriteString(System(instructions))
	b.WriteString("\n\n")
	b.WriteString(userLabel)
	b.WriteString(message)
	return b.String()
}

// System joins the instructions, skipping blank entries.
func System(instructions []string) string {
	kept := make([]string, 0, len(instructions))
	for _, s := range instructions {
		if s = strings.TrimSpace(s); s != "" {
			kept = append(kept, s)
		}
	}
	return strings.Join(kept, "\n")
}

// Opening is the prompt that introduces a topic before the student writes.
func Opening(instructions []string, opening string) string {
	return Assemble(instructions, opening)
}
