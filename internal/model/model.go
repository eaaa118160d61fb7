package model

import "strings"

// Impact levels assigned by the analysts in the source sheet.
const (
	ImpactHigh   = "ALTO"
	ImpactMedium = "MEDIO"
	ImpactLow    = "BAJO"
)

// ExecutiveParty marks bills sent by the executive branch; such bills are
// attributed to the whole nation rather than a province.
const (
	ExecutiveParty   = "PODER EJECUTIVO"
	NationalProvince = "NACIÓN"
)

// Record is the normalized representation of one legislative bill.
type Record struct {
	ID              string `json:"id"`                // stable identifier, compared as text
	ChamberOfOrigin string `json:"chamber_of_origin"` // Diputados / Senado
	FileNumber      string `json:"file_number"`       // expediente
	Author          string `json:"author"`
	StartDate       string `json:"start_date"` // kept as written in the sheet
	Title           string `json:"title"`
	Committees      string `json:"committees"` // comma-separated list packed in one cell
	Impact          string `json:"impact"`
	Party           string `json:"party"`
	Province        string `json:"province"`
	Observations    string `json:"observations"`
}

// CommitteeList splits the packed committees cell into trimmed names.
func (r Record) CommitteeList() []string {
	if strings.TrimSpace(r.Committees) == "" {
		return nil
	}
	parts := strings.Split(r.Committees, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// KnownImpact reports whether s is one of the three impact levels.
func KnownImpact(s string) bool {
	switch s {
	case ImpactHigh, ImpactMedium, ImpactLow:
		return true
	}
	return false
}
