package core

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"medidocs.io/docflow/internal/store"
)

const DefaultDocType = "medical_record"

// PatientData is the free-form patient context supplied by the caller.
// "name" and "id" are the only keys with a fixed meaning.
type PatientData map[string]any

func (p PatientData) ID() string {
	if v, ok := p["id"]; ok && v != nil {
		if s := strings.TrimSpace(fmt.Sprint(v)); s != "" {
			return s
		}
	}
	return store.UnknownPatientID
}

func (p PatientData) Name() string {
	if v, ok := p["name"]; ok && v != nil {
		if s := strings.TrimSpace(fmt.Sprint(v)); s != "" {
			return s
		}
	}
	return ""
}

// TitleCase turns a snake_case key into "Title Case".
func TitleCase(key string) string {
	// Casers keep state, so one is built per call.
	return cases.Title(language.English).String(strings.ReplaceAll(strings.TrimSpace(key), "_", " "))
}

// FormatPatientData renders the patient's name and id first, then every
// other field in key order.
func FormatPatientData(p PatientData) string {
	name := p.Name()
	if name == "" {
		name = "N/A"
	}
	id := "N/A"
	if v, ok := p["id"]; ok && v != nil {
		id = fmt.Sprint(v)
	}
	lines := []string{
		"Patient Name: " + name,
		"Patient ID: " + id,
	}

	keys := make([]string, 0, len(p))
	for k := range p {
		if k != "name" && k != "id" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("%s: %v", TitleCase(k), p[k]))
	}
	return strings.Join(lines, "\n")
}

// BuildPrompt asks the model for a single-element JSON array with the four
// standard sections.
func BuildPrompt(docType string, p PatientData) string {
	return fmt.Sprintf("Generate a %s document with the following patient information:\n"+
		"%s\n\n"+
		"Structure the document as a JSON array with exactly one element containing these sections:\n"+
		"- patient_information (object with name and id)\n"+
		"- medical_history (array of entries)\n"+
		"- current_condition (string)\n"+
		"- recommendations (array of strings)\n\n"+
		"Return ONLY valid JSON without any additional text or markdown formatting.",
		docType, FormatPatientData(p))
}

// DocumentTitle is the heading printed at the top of the rendered PDF.
func DocumentTitle(docType string, p PatientData) string {
	name := p.Name()
	if name == "" {
		name = "Unknown Patient"
	}
	return TitleCase(docType) + " - " + name
}

// DocumentFileName is the name the signer sees in the envelope.
func DocumentFileName(docType string) string {
	return TitleCase(docType) + " Document.pdf"
}

func EmailSubject(docType string) string {
	return fmt.Sprintf("Please sign your %s document", strings.ReplaceAll(docType, "_", " "))
}
