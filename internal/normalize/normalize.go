package normalize

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/galois26/legisync/internal/model"
)

// Row is one raw row from the external source, keyed by column label.
type Row map[string]string

// Canonical field names, also the JSON keys of model.Record.
const (
	FieldID              = "id"
	FieldChamberOfOrigin = "chamber_of_origin"
	FieldFileNumber      = "file_number"
	FieldAuthor          = "author"
	FieldStartDate       = "start_date"
	FieldTitle           = "title"
	FieldCommittees      = "committees"
	FieldImpact          = "impact"
	FieldParty           = "party"
	FieldProvince        = "province"
	FieldObservations    = "observations"
)

var setters = map[string]func(*model.Record, string){
	FieldID:              func(r *model.Record, v string) { r.ID = v },
	FieldChamberOfOrigin: func(r *model.Record, v string) { r.ChamberOfOrigin = v },
	FieldFileNumber:      func(r *model.Record, v string) { r.FileNumber = v },
	FieldAuthor:          func(r *model.Record, v string) { r.Author = v },
	FieldStartDate:       func(r *model.Record, v string) { r.StartDate = v },
	FieldTitle:           func(r *model.Record, v string) { r.Title = v },
	FieldCommittees:      func(r *model.Record, v string) { r.Committees = v },
	FieldImpact:          func(r *model.Record, v string) { r.Impact = v },
	FieldParty:           func(r *model.Record, v string) { r.Party = v },
	FieldProvince:        func(r *model.Record, v string) { r.Province = v },
	FieldObservations:    func(r *model.Record, v string) { r.Observations = v },
}

// Column labels used by the monitored sheet plus English variants. Keys are
// already folded with FoldLabel.
var builtinAliases = map[string]string{
	"id":                FieldID,
	"camara de origen":  FieldChamberOfOrigin,
	"camara":            FieldChamberOfOrigin,
	"origen":            FieldChamberOfOrigin,
	"chamber of origin": FieldChamberOfOrigin,
	"expediente":        FieldFileNumber,
	"nro expediente":    FieldFileNumber,
	"file number":       FieldFileNumber,
	"autor":             FieldAuthor,
	"autores":           FieldAuthor,
	"author":            FieldAuthor,
	"fecha de inicio":   FieldStartDate,
	"fecha":             FieldStartDate,
	"start date":        FieldStartDate,
	"proyecto":          FieldTitle,
	"titulo":            FieldTitle,
	"title":             FieldTitle,
	"comisiones":        FieldCommittees,
	"comision":          FieldCommittees,
	"committees":        FieldCommittees,
	"impacto":           FieldImpact,
	"impact":            FieldImpact,
	"partido politico":  FieldParty,
	"partido":           FieldParty,
	"party":             FieldParty,
	"provincia":         FieldProvince,
	"province":          FieldProvince,
	"observaciones":     FieldObservations,
	"analisis tecnico":  FieldObservations,
	"observations":      FieldObservations,
}

// Normalizer turns raw rows into records. It is safe for concurrent use.
type Normalizer struct {
	aliases map[string]string
}

// New builds a Normalizer. aliases maps extra source labels to canonical
// field names and takes precedence over the built-in labels.
func New(aliases map[string]string) (*Normalizer, error) {
	n := &Normalizer{aliases: make(map[string]string, len(builtinAliases)+len(aliases))}
	for k, v := range builtinAliases {
		n.aliases[k] = v
	}
	for label, field := range aliases {
		if _, ok := setters[field]; !ok {
			return nil, fmt.Errorf("column %q: unknown field %q", label, field)
		}
		n.aliases[FoldLabel(label)] = field
	}
	return n, nil
}

// Normalize applies, in order: column rename, missing-value fill, the id
// filter, the executive-branch rule and the impact fallback. Source order is
// kept. It never fails; unusable rows are dropped.
func (n *Normalizer) Normalize(rows []Row) []model.Record {
	out := make([]model.Record, 0, len(rows))
	for _, row := range rows {
		rec := n.rename(row)
		if rec.ID == "" {
			continue
		}
		applyExecutiveRule(&rec)
		rec.Impact = normalizeImpact(rec.Impact)
		out = append(out, rec)
	}
	return out
}

// rename maps labelled cells onto a record. Unmapped columns are ignored and
// absent cells stay empty. When two labels map to one field the first
// non-empty cell in label order wins, so the result does not depend on map
// iteration.
func (n *Normalizer) rename(row Row) model.Record {
	labels := make([]string, 0, len(row))
	for k := range row {
		labels = append(labels, k)
	}
	sort.Strings(labels)

	var rec model.Record
	set := make(map[string]bool, len(setters))
	for _, label := range labels {
		field, ok := n.aliases[FoldLabel(label)]
		if !ok || set[field] {
			continue
		}
		v := strings.TrimSpace(row[label])
		if v == "" {
			continue
		}
		setters[field](&rec, v)
		set[field] = true
	}
	return rec
}

func applyExecutiveRule(rec *model.Record) {
	if IsExecutive(rec.Party) {
		rec.Province = model.NationalProvince
	}
}

// normalizeImpact upper-cases known levels and falls back to BAJO when empty.
// Anything else passes through unchanged.
func normalizeImpact(v string) string {
	if v == "" {
		return model.ImpactLow
	}
	if up := strings.ToUpper(v); model.KnownImpact(up) {
		return up
	}
	return v
}

var executiveFolded = cases.Fold().String(model.ExecutiveParty)

// IsExecutive reports whether party names the executive branch, ignoring case
// and surrounding whitespace.
func IsExecutive(party string) bool {
	return cases.Fold().String(strings.TrimSpace(party)) == executiveFolded
}

// FoldLabel reduces a column label to its lookup key: lower case, accents
// stripped, separators collapsed to single spaces.
func FoldLabel(label string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	s, _, err := transform.String(t, label)
	if err != nil {
		s = label
	}
	s = strings.Map(func(r rune) rune {
		if r == '_' || r == '-' || r == '.' {
			return ' '
		}
		return r
	}, s)
	return cases.Fold().String(strings.Join(strings.Fields(s), " "))
}

// Rows converts records back to canonical rows, so normalized data can be
// fed through Normalize again.
func Rows(records []model.Record) []Row {
	out := make([]Row, 0, len(records))
	for _, r := range records {
		out = append(out, Row{
			FieldID:              r.ID,
			FieldChamberOfOrigin: r.ChamberOfOrigin,
			FieldFileNumber:      r.FileNumber,
			FieldAuthor:          r.Author,
			FieldStartDate:       r.StartDate,
			FieldTitle:           r.Title,
			FieldCommittees:      r.Committees,
			FieldImpact:          r.Impact,
			FieldParty:           r.Party,
			FieldProvince:        r.Province,
			FieldObservations:    r.Observations,
		})
	}
	return out
}
