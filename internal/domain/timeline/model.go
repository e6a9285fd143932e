package timeline

import (
	"errors"
	"time"
)

// ErrNotFound is returned when the treatment does not exist.
var ErrNotFound = errors.New("treatment not found")

// ItemType discriminates timeline entries.
type ItemType string

const (
	TypeTreatmentCreated    ItemType = "treatment_created"
	TypeTreatmentStatus     ItemType = "treatment_status_changed"
	TypeMonitoringReserved  ItemType = "monitoring_reserved"
	TypeMonitoringCompleted ItemType = "monitoring_completed"
	TypeSampleRegistered    ItemType = "sample_registered"
	TypeSampleTransition    ItemType = "sample_transition"
	TypeDoctorNote          ItemType = "doctor_note"
	TypeMedicationMilestone ItemType = "medication_milestone"
	TypeMedicalOrder        ItemType = "medical_order"
)

// Item is one dated event of a treatment.
type Item struct {
	Type     ItemType          `json:"type"`
	Date     time.Time         `json:"date"`
	SourceID string            `json:"source_id"`
	Summary  string            `json:"summary"`
	Details  map[string]string `json:"details,omitempty"`
}
