package mrf

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	simdjson "github.com/minio/simdjson-go"
)

var useSimd = simdjson.SupportedCPU()

// quickAccept checks whether an in_network element is an accepted CPT item
// without a full stdlib unmarshal. simdjson reads just the two gate fields;
// this is a hybrid approach: simdjson filters (fast), stdlib extracts
// (simple). On any simd error we fall through to a byte-level check so that
// odd-but-valid elements still reach the stdlib path.
func quickAccept(raw json.RawMessage, pj **simdjson.ParsedJson) bool {
	if !useSimd {
		// Cheap substring gate: an accepted element must at least mention CPT.
		return bytes.Contains(raw, []byte(`"CPT"`))
	}

	parsed, err := simdjson.Parse(raw, *pj)
	if err != nil {
		return true // let the stdlib path decide
	}
	*pj = parsed

	accepted := true
	parsed.ForEach(func(i simdjson.Iter) error {
		accepted = checkAcceptSimd(i)
		return nil
	})
	return accepted
}

// checkAcceptSimd applies the acceptance gate: billing_code_type == "CPT" and
// a non-empty trimmed billing_code (string or number).
func checkAcceptSimd(i simdjson.Iter) bool {
	typeElem, err := i.FindElement(nil, "billing_code_type")
	if err != nil {
		return false
	}
	codeType, err := typeElem.Iter.String()
	if err != nil || codeType != "CPT" {
		return false
	}

	codeElem, err := i.FindElement(nil, "billing_code")
	if err != nil {
		return false
	}
	return simdCodeString(codeElem.Iter) != ""
}

// simdCodeString coerces a billing_code element to a trimmed string.
func simdCodeString(i simdjson.Iter) string {
	switch i.Type() {
	case simdjson.TypeString:
		s, err := i.String()
		if err != nil {
			return ""
		}
		return strings.TrimSpace(s)
	case simdjson.TypeInt:
		n, err := i.Int()
		if err != nil {
			return ""
		}
		return strconv.FormatInt(n, 10)
	case simdjson.TypeFloat:
		f, err := i.Float()
		if err != nil {
			return ""
		}
		return strconv.FormatFloat(f, 'f', -1, 64)
	default:
		return ""
	}
}
