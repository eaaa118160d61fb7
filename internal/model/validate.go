package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// recordValidate checks trusted-write payloads. Built once in init with the
// json tag names so error messages use the wire field names.
var recordValidate *validator.Validate

func init() {
	recordValidate = validator.New()
	recordValidate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = recordValidate.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
}

// recordPayload is the wire shape of one record in a trusted write. Pointer
// fields distinguish an absent or null key from an empty string: required
// fields must be present as strings, empty text is allowed except for id.
// impact is optional and falls back to BAJO.
type recordPayload struct {
	ID              *string `json:"id" validate:"required,notblank"`
	ChamberOfOrigin *string `json:"chamber_of_origin" validate:"required"`
	FileNumber      *string `json:"file_number" validate:"required"`
	Author          *string `json:"author" validate:"required"`
	StartDate       *string `json:"start_date" validate:"required"`
	Title           *string `json:"title" validate:"required"`
	Committees      *string `json:"committees"`
	Impact          *string `json:"impact"`
	Party           *string `json:"party" validate:"required"`
	Province        *string `json:"province"`
	Observations    *string `json:"observations"`
}

func (p recordPayload) record() Record {
	return Record{
		ID:              deref(p.ID),
		ChamberOfOrigin: deref(p.ChamberOfOrigin),
		FileNumber:      deref(p.FileNumber),
		Author:          deref(p.Author),
		StartDate:       deref(p.StartDate),
		Title:           deref(p.Title),
		Committees:      deref(p.Committees),
		Impact:          impactOrLow(p.Impact),
		Party:           deref(p.Party),
		Province:        deref(p.Province),
		Observations:    deref(p.Observations),
	}
}

// impactOrLow applies the same fallback as ingestion: an absent, null or
// blank impact is stored as BAJO.
func impactOrLow(s *string) string {
	if v := deref(s); strings.TrimSpace(v) != "" {
		return v
	}
	return ImpactLow
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// ValidationError rejects a whole trusted-write batch.
type ValidationError struct {
	Index  int      // offending record, -1 when the body is not a record array
	Fields []string // "field: reason" entries
}

func (e *ValidationError) Error() string {
	if e.Index < 0 {
		return "invalid batch: " + strings.Join(e.Fields, "; ")
	}
	return fmt.Sprintf("invalid record at index %d: %s", e.Index, strings.Join(e.Fields, "; "))
}

// DecodeBatch parses and validates a trusted-write body. The batch is
// accepted only if every element is a well-formed record; an empty array is
// a valid batch.
func DecodeBatch(data []byte) ([]Record, error) {
	var raw []json.RawMessage
	// null decodes without error into a nil slice
	if err := json.Unmarshal(data, &raw); err != nil || raw == nil {
		return nil, &ValidationError{Index: -1, Fields: []string{"body must be a JSON array of records"}}
	}
	out := make([]Record, 0, len(raw))
	for i, item := range raw {
		var p recordPayload
		if err := json.Unmarshal(item, &p); err != nil {
			return nil, &ValidationError{Index: i, Fields: []string{decodeReason(err)}}
		}
		if err := recordValidate.Struct(p); err != nil {
			return nil, &ValidationError{Index: i, Fields: fieldReasons(err)}
		}
		out = append(out, p.record())
	}
	return out, nil
}

func decodeReason(err error) string {
	var te *json.UnmarshalTypeError
	if errors.As(err, &te) && te.Field != "" {
		return fmt.Sprintf("%s: must be a string, got %s", te.Field, te.Value)
	}
	return "record must be a JSON object"
}

func fieldReasons(err error) []string {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return []string{err.Error()}
	}
	out := make([]string, 0, len(ve))
	for _, fe := range ve {
		switch fe.Tag() {
		case "required":
			out = append(out, fe.Field()+": required")
		case "notblank":
			out = append(out, fe.Field()+": must not be blank")
		default:
			out = append(out, fe.Field()+": failed "+fe.Tag())
		}
	}
	return out
}
