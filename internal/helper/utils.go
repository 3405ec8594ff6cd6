// Package helper holds small utilities shared across the command line and
// the job runner.
package helper

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// GenerateUUID creates a random UUID string, used for run identifiers.
func GenerateUUID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate uuid: %v", err)
	}
	return id.String(), nil
}

// PrettyPrint writes v to stdout as indented JSON. Used by the dry-run CLI
// path to show what would be ingested.
func PrettyPrint(v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Warn().Err(err).Msg("could not pretty print value")
		return
	}
	fmt.Println(string(b))
}

// EnsureDir creates the directory and its parents if missing.
func EnsureDir(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %v", path, err)
	}
	return nil
}
