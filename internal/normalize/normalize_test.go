package normalize

import (
	"reflect"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/galois26/legisync/internal/model"
)

func newNormalizer(t *testing.T) *Normalizer {
	t.Helper()
	n, err := New(nil)
	require.NoError(t, err)
	return n
}

func sheetRow(id, party, province, impact string) Row {
	return Row{
		"ID":               id,
		"Cámara de origen": "Diputados",
		"Expediente":       "0001-D-2024",
		"Autor":            "Gómez",
		"Fecha de inicio":  "01/03/2024",
		"Proyecto":         "Modificación Ley de Entidades Financieras",
		"Comisiones":       "Finanzas,Presupuesto",
		"Impacto":          impact,
		"Partido Político": party,
		"Provincia":        province,
		"Observaciones":    "",
		"Columna extra":    "ignorada",
	}
}

func TestNormalizeRenamesSheetColumns(t *testing.T) {
	n := newNormalizer(t)
	recs := n.Normalize([]Row{sheetRow("7", "UCR", "Mendoza", "MEDIO")})
	require.Len(t, recs, 1)
	assert.Equal(t, model.Record{
		ID:              "7",
		ChamberOfOrigin: "Diputados",
		FileNumber:      "0001-D-2024",
		Author:          "Gómez",
		StartDate:       "01/03/2024",
		Title:           "Modificación Ley de Entidades Financieras",
		Committees:      "Finanzas,Presupuesto",
		Impact:          "MEDIO",
		Party:           "UCR",
		Province:        "Mendoza",
	}, recs[0])
}

func TestNormalizeRules(t *testing.T) {
	tests := []struct {
		name         string
		row          Row
		wantProvince string
		wantImpact   string
	}{
		{"executive mixed case trailing space", sheetRow("1", "poder ejecutivo ", "Buenos Aires", "ALTO"), model.NationalProvince, "ALTO"},
		{"executive surrounding whitespace", sheetRow("2", "\t PODER Ejecutivo", "", "BAJO"), model.NationalProvince, "BAJO"},
		{"inner spacing is not the executive", sheetRow("4", "PODER   EJECUTIVO", "Salta", "BAJO"), "Salta", "BAJO"},
		{"other party keeps province", sheetRow("3", "Poder Ejecutivo Provincial", "Salta", "MEDIO"), "Salta", "MEDIO"},
		{"empty impact falls back", sheetRow("4", "PRO", "CABA", ""), "CABA", model.ImpactLow},
		{"missing impact falls back", Row{"ID": "5", "Partido Político": "PRO"}, "", model.ImpactLow},
		{"lower case impact upper-cased", sheetRow("6", "PRO", "CABA", "alto"), "CABA", model.ImpactHigh},
		{"unknown impact preserved", sheetRow("7", "PRO", "CABA", "Crítico"), "CABA", "Crítico"},
	}
	n := newNormalizer(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recs := n.Normalize([]Row{tt.row})
			require.Len(t, recs, 1)
			assert.Equal(t, tt.wantProvince, recs[0].Province)
			assert.Equal(t, tt.wantImpact, recs[0].Impact)
		})
	}
}

func TestNormalizeDropsRowsWithoutID(t *testing.T) {
	n := newNormalizer(t)
	rows := []Row{
		sheetRow("", "PRO", "CABA", "ALTO"),
		sheetRow("   ", "PRO", "CABA", "ALTO"),
		{"Proyecto": "sin id"},
		sheetRow("9", "PRO", "CABA", "ALTO"),
	}
	recs := n.Normalize(rows)
	require.Len(t, recs, 1)
	assert.Equal(t, "9", recs[0].ID)
}

func TestNormalizeKeepsSourceOrder(t *testing.T) {
	n := newNormalizer(t)
	recs := n.Normalize([]Row{{"ID": "b"}, {"ID": "a"}, {"ID": "10"}, {"ID": "2"}})
	ids := make([]string, 0, len(recs))
	for _, r := range recs {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"b", "a", "10", "2"}, ids)
}

func TestNewCustomAliases(t *testing.T) {
	n, err := New(map[string]string{"N° de Proyecto": FieldID, "Bloque": FieldParty})
	require.NoError(t, err)
	recs := n.Normalize([]Row{{"N° de proyecto": "44", "BLOQUE": "Poder Ejecutivo", "Provincia": "Jujuy"}})
	require.Len(t, recs, 1)
	assert.Equal(t, "44", recs[0].ID)
	assert.Equal(t, model.NationalProvince, recs[0].Province)

	_, err = New(map[string]string{"Foo": "bar"})
	assert.Error(t, err)
}

func TestFoldLabel(t *testing.T) {
	assert.Equal(t, "camara de origen", FoldLabel("  Cámara  de Origen "))
	assert.Equal(t, "partido politico", FoldLabel("PARTIDO_POLÍTICO"))
	assert.Equal(t, "chamber of origin", FoldLabel(FieldChamberOfOrigin))
}

var (
	genParty  = gen.OneConstOf("PODER EJECUTIVO", "poder ejecutivo ", " Poder  Ejecutivo", "UCR", "PRO", "", "Poder Ejecutivo Nacional")
	genImpact = gen.OneConstOf("", "ALTO", "medio", "Bajo", "CRÍTICO", " alto ")
	genID     = gen.OneConstOf("", " ", "1", "2", "10", "abc", "007")
)

func genRow() gopter.Gen {
	return gopter.CombineGens(genID, genParty, gen.AlphaString(), genImpact, gen.Bool()).
		Map(func(v []interface{}) Row {
			row := Row{
				"ID":               v[0].(string),
				"Partido Político": v[1].(string),
				"Provincia":        v[2].(string),
				"Impacto":          v[3].(string),
			}
			if v[4].(bool) {
				delete(row, "Impacto")
			}
			return row
		})
}

func countIDs(rows []Row) int {
	n := 0
	for _, r := range rows {
		if strings.TrimSpace(r["ID"]) != "" {
			n++
		}
	}
	return n
}

func TestNormalizeProperties(t *testing.T) {
	n := newNormalizer(t)
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	properties.Property("rows without id are dropped", prop.ForAll(
		func(rows []Row) bool {
			recs := n.Normalize(rows)
			if len(recs) != countIDs(rows) {
				return false
			}
			for _, r := range recs {
				if r.ID == "" {
					return false
				}
			}
			return true
		},
		gen.SliceOf(genRow()),
	))

	properties.Property("executive bills belong to the nation", prop.ForAll(
		func(rows []Row) bool {
			for _, r := range n.Normalize(rows) {
				if IsExecutive(r.Party) && r.Province != model.NationalProvince {
					return false
				}
			}
			return true
		},
		gen.SliceOf(genRow()),
	))

	properties.Property("impact is never empty", prop.ForAll(
		func(rows []Row) bool {
			for _, r := range n.Normalize(rows) {
				if r.Impact == "" {
					return false
				}
			}
			return true
		},
		gen.SliceOf(genRow()),
	))

	properties.Property("normalization is idempotent", prop.ForAll(
		func(rows []Row) bool {
			once := n.Normalize(rows)
			twice := n.Normalize(Rows(once))
			return reflect.DeepEqual(once, twice)
		},
		gen.SliceOf(genRow()),
	))

	properties.TestingRun(t)
}
