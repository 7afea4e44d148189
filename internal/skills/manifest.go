package skills

import (
	"fmt"
	"strings"
)

// Manifest renders the capability manifest given to the model. Only enabled
// skills are listed; document skills contribute their guidance text.
func Manifest(s *Snapshot) string {
	enabled := s.Enabled()
	if len(enabled) == 0 {
		return "No skills are currently available."
	}
	var b strings.Builder
	b.WriteString("## Available skills\n")
	for _, d := range enabled {
		if d.Type != TypeStructured {
			continue
		}
		fmt.Fprintf(&b, "- %s (%s): %s\n", d.Name, d.Capability, d.Description)
	}
	var docs []Descriptor
	for _, d := range enabled {
		if d.Type == TypeDocument {
			docs = append(docs, d)
		}
	}
	if len(docs) > 0 {
		b.WriteString("\n## Guidance\n")
		for _, d := range docs {
			fmt.Fprintf(&b, "\n### %s\n", d.Name)
			if d.Description != "" {
				b.WriteString(d.Description + "\n")
			}
			if d.Guidance != "" {
				b.WriteString("\n" + d.Guidance + "\n")
			}
		}
	}
	return b.String()
}

// Tools returns the enabled structured skills, the only ones a model may call.
func Tools(s *Snapshot) []Descriptor {
	var out []Descriptor
	for _, d := range s.Enabled() {
		if d.Type == TypeStructured {
			out = append(out, d)
		}
	}
	return out
}
