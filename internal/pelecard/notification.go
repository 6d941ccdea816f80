package pelecard

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/url"
	"sort"
	"strings"
)

// ErrUnparseable means the notification body matched none of the known
// encodings. Callers on the webhook path must swallow it and still
// acknowledge the provider.
var ErrUnparseable = errors.New("pelecard notification is unparseable")

// jsonMarker flags a form field whose value is an embedded JSON
// payload rather than a plain value.
const jsonMarker = "TransactionId"

// DecodeNotification decodes a webhook body into ResultData. The
// gateway delivers the same notification in several encodings, so
// decode strategies are tried in a fixed fallback order:
//
//  1. form-encoded body with one field carrying an embedded JSON payload
//  2. form-encoded body used directly as the field set
//  3. raw JSON body
//  4. near-JSON body repaired by single-quote substitution (best effort)
func DecodeNotification(body []byte) (ResultData, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return ResultData{}, ErrUnparseable
	}

	if trimmed[0] != '{' {
		if values, err := url.ParseQuery(string(trimmed)); err == nil && len(values) > 0 {
			// Fixed key order keeps the embedded-payload pick deterministic
			// across redeliveries.
			keys := make([]string, 0, len(values))
			for key := range values {
				keys = append(keys, key)
			}
			sort.Strings(keys)
			for _, key := range keys {
				for _, value := range values[key] {
					if !strings.Contains(value, jsonMarker) {
						continue
					}
					var rd ResultData
					if err := json.Unmarshal([]byte(value), &rd); err == nil {
						return rd, nil
					}
				}
			}
			if rd := fromForm(values); rd != (ResultData{}) {
				return rd, nil
			}
		}
	}

	var rd ResultData
	if err := json.Unmarshal(trimmed, &rd); err == nil && rd != (ResultData{}) {
		return rd, nil
	}

	repaired := strings.ReplaceAll(string(trimmed), "'", `"`)
	if err := json.Unmarshal([]byte(repaired), &rd); err == nil && rd != (ResultData{}) {
		return rd, nil
	}

	return ResultData{}, ErrUnparseable
}

// fromForm flattens form values into the canonical struct; repeated
// fields keep their first value.
func fromForm(values url.Values) ResultData {
	flat := make(map[string]string, len(values))
	for key := range values {
		flat[key] = values.Get(key)
	}
	raw, err := json.Marshal(flat)
	if err != nil {
		return ResultData{}
	}
	var rd ResultData
	_ = json.Unmarshal(raw, &rd)
	return rd
}
