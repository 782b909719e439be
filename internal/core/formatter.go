package core

import "strings"

// Format flattens a generation result into section-delimited text. A failed
// result formats its raw text, if any.
func Format(r GenerationResult) string {
	if r.Content == nil {
		return r.RawText
	}
	return FormatContent(r.Content)
}

// FormatContent renders content as markdown-like text:
//
//	# <title>
//
//	## <Section>
//	key: value
//	- item
//
// Text is returned unchanged, so formatting is idempotent on formatted output.
func FormatContent(c Content) string {
	title, body := unwrapContent(c)

	var rendered string
	switch v := body.(type) {
	case Text:
		rendered = string(v)
	case Mapping:
		rendered = renderSections(Sections(v))
	case List:
		rendered = renderRecords(v)
	default:
		rendered = Stringify(body)
	}

	if title == "" {
		return rendered
	}
	return "# " + title + "\n\n" + rendered
}

// unwrapContent strips nested {"content": ...} wrappers, keeping the
// outermost "title" found on the way.
func unwrapContent(c Content) (string, Content) {
	title := ""
	for {
		m, ok := c.(Mapping)
		if !ok {
			return title, c
		}
		inner, ok := m.Get("content")
		if !ok {
			return title, c
		}
		if title == "" {
			if t, ok := m.Get("title"); ok {
				if s, ok := t.(Text); ok {
					title = strings.TrimSpace(string(s))
				}
			}
		}
		c = inner
	}
}

// Sections splits a mapping into one section per field, in key order.
func Sections(m Mapping) []Section {
	sections := make([]Section, 0, len(m))
	for _, f := range m {
		sections = append(sections, Section{Name: f.Key, Body: f.Value})
	}
	return sections
}

func renderSections(sections []Section) string {
	parts := make([]string, 0, len(sections))
	for _, s := range sections {
		parts = append(parts, renderSection(s))
	}
	return strings.Join(parts, "\n")
}

func renderSection(s Section) string {
	lines := []string{"\n## " + TitleCase(s.Name)}
	switch body := s.Body.(type) {
	case Mapping:
		for _, f := range body {
			lines = append(lines, f.Key+": "+Stringify(f.Value))
		}
	case List:
		for _, item := range body {
			lines = append(lines, "- "+Stringify(item))
		}
	default:
		lines = append(lines, Stringify(body))
	}
	return strings.Join(lines, "\n")
}

// renderRecords formats each record of a list on its own. Items that are
// not records are stringified.
func renderRecords(l List) string {
	parts := make([]string, 0, len(l))
	for _, item := range l {
		if m, ok := item.(Mapping); ok {
			parts = append(parts, FormatContent(m))
			continue
		}
		parts = append(parts, Stringify(item))
	}
	return strings.Join(parts, "\n")
}
