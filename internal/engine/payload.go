package engine

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/samber/lo"
	"github.com/xeipuuv/gojsonschema"
)

// envelopeSchema accepts a bare record, a bare record list, or {"record": ...} plus extras.
const envelopeSchema = `{
	"type": ["object", "array"],
	"items": {"type": "object"},
	"properties": {
		"record": {
			"type": ["object", "array"],
			"items": {"type": "object"}
		},
		"ids": {"type": ["string", "number", "array"]},
		"filter": {"type": "string"}
	}
}`

var envelopeLoader = gojsonschema.NewStringLoader(envelopeSchema)

// Payload is a decoded request body.
type Payload struct {
	Records []map[string]any
	// Single is set when the body carried one record rather than a list.
	Single bool
	Extras map[string]any

	// bare is set when records and extras shared one object.
	bare bool
}

// ParseBody validates the body envelope and splits it into records and extras.
func ParseBody(body []byte) (*Payload, error) {
	p := &Payload{Extras: map[string]any{}}
	if len(bytes.TrimSpace(body)) == 0 {
		return p, nil
	}

	result, err := gojsonschema.Validate(envelopeLoader, gojsonschema.NewBytesLoader(body))
	if err != nil {
		return nil, BadRequestError("Invalid JSON body")
	}
	if !result.Valid() {
		msgs := lo.Map(result.Errors(), func(e gojsonschema.ResultError, _ int) string { return e.String() })
		return nil, BadRequestError(fmt.Sprintf("Invalid request body: %s", strings.Join(msgs, "; ")))
	}

	var decoded any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&decoded); err != nil {
		return nil, BadRequestError("Invalid JSON body")
	}

	switch v := decoded.(type) {
	case []any:
		p.Records = toRecords(v)
	case map[string]any:
		if rec, ok := v["record"]; ok {
			switch r := rec.(type) {
			case []any:
				p.Records = toRecords(r)
			case map[string]any:
				p.Records = []map[string]any{r}
				p.Single = true
			}
			p.Extras = lo.OmitByKeys(v, []string{"record"})
			return p, nil
		}
		p.bare = true
		record := lo.OmitBy(v, func(k string, _ any) bool { return IsOptionKey(k) })
		p.Extras = lo.PickBy(v, func(k string, _ any) bool { return IsOptionKey(k) })
		if len(record) > 0 {
			p.Records = []map[string]any{record}
			p.Single = true
		}
	}
	return p, nil
}

// Ambiguous reports whether a bare-object body carried option-named keys
// that may be record fields instead.
func (p *Payload) Ambiguous() bool {
	return p.bare && len(p.Extras) > 0
}

// Reclaim moves the option-named keys of a bare-object body for which
// isColumn holds back into the record.
func (p *Payload) Reclaim(isColumn func(key string) bool) {
	if !p.Ambiguous() {
		return
	}
	for k, v := range p.Extras {
		if !isColumn(k) {
			continue
		}
		if len(p.Records) == 0 {
			p.Records = []map[string]any{{}}
			p.Single = true
		}
		p.Records[0][k] = v
		delete(p.Extras, k)
	}
}

func toRecords(items []any) []map[string]any {
	records := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			records = append(records, m)
		}
	}
	return records
}
