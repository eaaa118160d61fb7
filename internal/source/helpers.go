package source

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

const (
	defaultTimeout = 15 * time.Second
	maxBodyBytes   = 32 << 20
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

func defaultDur(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func stripBOM(b []byte) []byte {
	return bytes.TrimPrefix(b, utf8BOM)
}

// cellString renders a decoded JSON cell as sheet text. null becomes the
// empty string and whole numbers lose their decimal point, so an id exported
// as 12 or 12.0 reads "12".
func cellString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		if f, err := t.Float64(); err == nil && f == float64(int64(f)) {
			return strconv.FormatInt(int64(f), 10)
		}
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return strings.TrimSpace(string(b))
	}
}
