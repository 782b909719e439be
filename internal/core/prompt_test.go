package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTitleCase(t *testing.T) {
	assert.Equal(t, "Current Condition", TitleCase("current_condition"))
	assert.Equal(t, "Medical Record", TitleCase(" medical_record "))
	assert.Equal(t, "Notes", TitleCase("notes"))
}

func TestFormatPatientData(t *testing.T) {
	p := PatientData{
		"name":       "Jane Doe",
		"id":         "P1",
		"blood_type": "O+",
		"age":        42,
	}

	want := "Patient Name: Jane Doe\nPatient ID: P1\nAge: 42\nBlood Type: O+"
	assert.Equal(t, want, FormatPatientData(p))
	assert.Equal(t, "Patient Name: N/A\nPatient ID: N/A", FormatPatientData(PatientData{}))
}

func TestPatientData_Identity(t *testing.T) {
	assert.Equal(t, "P1", PatientData{"id": "P1"}.ID())
	assert.Equal(t, "17", PatientData{"id": 17}.ID())
	assert.Equal(t, "UNKNOWN", PatientData{"id": "  "}.ID())
	assert.Equal(t, "UNKNOWN", PatientData{}.ID())
	assert.Equal(t, "", PatientData{"name": nil}.Name())
}

func TestBuildPrompt(t *testing.T) {
	prompt := BuildPrompt("discharge_summary", PatientData{"name": "Jane", "id": "P1"})

	assert.Contains(t, prompt, "Generate a discharge_summary document")
	assert.Contains(t, prompt, "Patient Name: Jane\nPatient ID: P1")
	for _, section := range []string{"patient_information", "medical_history", "current_condition", "recommendations"} {
		assert.Contains(t, prompt, section)
	}
}

func TestDocumentNaming(t *testing.T) {
	assert.Equal(t, "Medical Record - Jane", DocumentTitle("medical_record", PatientData{"name": "Jane"}))
	assert.Equal(t, "Medical Record - Unknown Patient", DocumentTitle("medical_record", PatientData{}))
	assert.Equal(t, "Lab Report Document.pdf", DocumentFileName("lab_report"))
	assert.Equal(t, "Please sign your lab report document", EmailSubject("lab_report"))
}
