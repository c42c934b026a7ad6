// Command schema writes json schema of the bench scenarios file
package main

import (
	"encoding/json"
	"fmt"
	"os"

	log "github.com/go-pkgz/lgr"
	"github.com/invopop/jsonschema"

	"github.com/umputun/y2ktrace/app/bench"
)

//go:generate go run . ../../../../bench-schema.json

func main() {
	dest := "bench-schema.json"
	if len(os.Args) > 1 {
		dest = os.Args[1]
	}
	if err := generate(dest); err != nil {
		log.Fatalf("[ERROR] %v", err)
	}
	log.Printf("[INFO] scenarios schema written to %s", dest)
}

// generate reflects bench.Config and writes indented schema to dest
func generate(dest string) error {
	r := jsonschema.Reflector{ExpandedStruct: true}
	schema := r.Reflect(&bench.Config{})
	schema.Title = "y2ktrace bench scenarios"
	schema.Description = "queries measured by y2ktrace bench, with optional setup statements"

	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return fmt.Errorf("can't marshal schema: %w", err)
	}
	if err := os.WriteFile(dest, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("can't write schema to %s: %w", dest, err)
	}
	return nil
}
