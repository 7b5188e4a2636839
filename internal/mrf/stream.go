package mrf

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	simdjson "github.com/minio/simdjson-go"
)

// wrapRead classifies a decoder error: malformed or truncated JSON is
// ErrParse, while a failure of the underlying reader (a short disk read, a
// bad gzip trailer) passes through with its own error chain.
func wrapRead(what string, err error) error {
	var syn *json.SyntaxError
	if errors.As(err, &syn) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %s: %w", ErrParse, what, err)
	}
	return fmt.Errorf("%s: %w", what, err)
}

// ScanCallbacks holds optional progress callbacks for the streaming extractor.
type ScanCallbacks struct {
	OnItemScanned func() // called for each in_network element, accepted or not
}

// ScanResult reports what the top-level document contained.
type ScanResult struct {
	SawInNetwork bool
	IndexURLs    []IndexFileRef // populated when the document is an index file
}

// Scan walks a top-level MRF JSON object from r using a streaming
// json.Decoder, processing one array element at a time with constant memory.
//
// Two document shapes are recognized: a direct in-network file (items are
// emitted through emit) and an index file (reporting_structure URLs are
// collected into the result). A document may in principle contain both keys;
// both are processed. Unknown keys are skipped.
//
// emit may return an error to abort the scan; that error is returned as-is.
func Scan(r io.Reader, cb ScanCallbacks, emit func(Item) error) (*ScanResult, error) {
	dec := json.NewDecoder(r)

	// Expect opening '{' of the top-level object.
	tok, err := dec.Token()
	if err != nil {
		return nil, wrapRead("reading opening token", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("%w: expected '{', got %v", ErrParse, tok)
	}

	result := &ScanResult{}
	seen := map[string]struct{}{}
	var pj *simdjson.ParsedJson // reused across simdjson.Parse calls

	for dec.More() {
		tok, err = dec.Token()
		if err != nil {
			return nil, wrapRead("reading key", err)
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("%w: expected string key, got %T", ErrParse, tok)
		}

		switch key {
		case "in_network":
			result.SawInNetwork = true
			if err := streamInNetwork(dec, cb, &pj, emit); err != nil {
				return nil, err
			}

		case "reporting_structure":
			if err := streamReportingStructure(dec, result, seen); err != nil {
				return nil, err
			}

		default:
			// Skip unneeded keys (reporting_entity_name, version, etc.)
			if err := skipValue(dec); err != nil {
				return nil, wrapRead(fmt.Sprintf("skipping key %q", key), err)
			}
		}
	}

	// Expect closing '}'.
	tok, err = dec.Token()
	if err != nil {
		return nil, wrapRead("reading closing token", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '}' {
		return nil, fmt.Errorf("%w: expected '}', got %v", ErrParse, tok)
	}

	return result, nil
}

// ExtractInNetwork streams accepted in_network items from r. It is Scan
// restricted to direct in-network documents: a document without an in_network
// key is rejected.
func ExtractInNetwork(r io.Reader, cb ScanCallbacks, emit func(Item) error) error {
	result, err := Scan(r, cb, emit)
	if err != nil {
		return err
	}
	if !result.SawInNetwork {
		return fmt.Errorf("%w: document has no in_network array", ErrParse)
	}
	return nil
}

// ExtractIndex streams index-file URL references from r. Returns nil URLs for
// a well-formed document that is not an index.
func ExtractIndex(r io.Reader) ([]IndexFileRef, error) {
	result, err := Scan(r, ScanCallbacks{}, func(Item) error { return nil })
	if err != nil {
		return nil, err
	}
	return result.IndexURLs, nil
}

// streamInNetwork reads the in_network array element by element. Each element
// is decoded as raw JSON, filtered with simdjson when available, then fully
// unmarshalled only when it is an accepted CPT item.
func streamInNetwork(dec *json.Decoder, cb ScanCallbacks, pj **simdjson.ParsedJson, emit func(Item) error) error {
	tok, err := dec.Token()
	if err != nil {
		return wrapRead("reading array start", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		return fmt.Errorf("%w: expected '[', got %v", ErrParse, tok)
	}

	for dec.More() {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return wrapRead("decoding element", err)
		}

		if cb.OnItemScanned != nil {
			cb.OnItemScanned()
		}

		// Fast pre-filter: skip non-CPT elements without a full unmarshal.
		if !quickAccept(raw, pj) {
			continue
		}

		var inItem InNetworkItem
		if err := json.Unmarshal(raw, &inItem); err != nil {
			continue // structurally odd element, skip like any non-accepted item
		}
		item, ok := accept(&inItem)
		if !ok {
			continue
		}
		if err := emit(item); err != nil {
			return err
		}
	}

	tok, err = dec.Token()
	if err != nil {
		return wrapRead("reading array end", err)
	}
	_ = tok
	return nil
}

// streamReportingStructure reads the reporting_structure array element by
// element, collecting in_network_files locations deduplicated in insertion
// order.
func streamReportingStructure(dec *json.Decoder, result *ScanResult, seen map[string]struct{}) error {
	tok, err := dec.Token()
	if err != nil {
		return wrapRead("reading array start", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		return fmt.Errorf("%w: expected '[', got %v", ErrParse, tok)
	}

	for dec.More() {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return wrapRead("decoding element", err)
		}

		var entry struct {
			InNetworkFiles []IndexFileRef `json:"in_network_files"`
		}
		if err := json.Unmarshal(raw, &entry); err != nil {
			continue // skip malformed
		}

		for _, f := range entry.InNetworkFiles {
			if f.Location == "" {
				continue
			}
			if _, exists := seen[f.Location]; !exists {
				seen[f.Location] = struct{}{}
				result.IndexURLs = append(result.IndexURLs, f)
			}
		}
	}

	if _, err = dec.Token(); err != nil {
		return wrapRead("reading array end", err)
	}
	return nil
}

// skipValue reads and discards the next JSON value from the decoder.
// Handles objects, arrays, and primitive values.
func skipValue(dec *json.Decoder) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}

	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			for dec.More() {
				if _, err := dec.Token(); err != nil {
					return err
				}
				if err := skipValue(dec); err != nil {
					return err
				}
			}
			if _, err := dec.Token(); err != nil {
				return err
			}
		case '[':
			for dec.More() {
				if err := skipValue(dec); err != nil {
					return err
				}
			}
			if _, err := dec.Token(); err != nil {
				return err
			}
		}
	default:
		// Primitive values are already consumed by the Token call.
	}
	return nil
}
