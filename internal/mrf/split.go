package mrf

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/danielchalef/jsplit/pkg/jsplit"
)

// SplitResult holds the paths to the NDJSON shards produced by jsplit.
type SplitResult struct {
	Dir            string
	InNetworkFiles []string
}

// SplitFile splits a monolithic MRF JSON file (optionally gzipped) into NDJSON
// shards using jsplit. Only the in_network shards matter for rate extraction;
// everything else in the output directory is left for the caller's cleanup.
//
// This is the load path for files too large to be worth re-tokenizing as one
// stream: jsplit writes one in_network element per line, and ScanInNetworkNDJSON
// then reads them back with a plain line scanner.
func SplitFile(inputPath, outputDir string) (*SplitResult, error) {
	// Suppress jsplit's stdout prints
	origStdout := os.Stdout
	devNull, err := os.Open(os.DevNull)
	if err != nil {
		return nil, fmt.Errorf("failed to open /dev/null: %w", err)
	}
	os.Stdout = devNull
	err = jsplit.Split(inputPath, outputDir, true)
	os.Stdout = origStdout
	devNull.Close()
	if err != nil {
		return nil, fmt.Errorf("jsplit split failed: %w", err)
	}

	result := &SplitResult{Dir: outputDir}

	entries, err := os.ReadDir(outputDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read split output dir: %w", err)
	}

	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, "in_network_") && strings.HasSuffix(name, ".jsonl") {
			result.InNetworkFiles = append(result.InNetworkFiles, filepath.Join(outputDir, name))
		}
	}
	sort.Strings(result.InNetworkFiles)

	return result, nil
}

// ScanInNetworkNDJSON scans in_network NDJSON shards and emits accepted CPT
// items. Malformed lines are skipped, matching the streaming extractor's
// treatment of structurally odd elements.
func ScanInNetworkNDJSON(files []string, cb ScanCallbacks, emit func(Item) error) error {
	for _, filePath := range files {
		if err := scanInNetworkShard(filePath, cb, emit); err != nil {
			return fmt.Errorf("scanning %s: %w", filePath, err)
		}
	}
	return nil
}

func scanInNetworkShard(filePath string, cb ScanCallbacks, emit func(Item) error) error {
	f, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 4*1024*1024), 64*1024*1024) // up to 64MB per line

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		if cb.OnItemScanned != nil {
			cb.OnItemScanned()
		}

		var inItem InNetworkItem
		if err := json.Unmarshal(line, &inItem); err != nil {
			continue // skip malformed lines
		}
		item, ok := accept(&inItem)
		if !ok {
			continue
		}
		if err := emit(item); err != nil {
			return err
		}
	}

	return scanner.Err()
}
