package engine

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/setforge-ai/setforge/internal/model"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// cardSchemas maps each card type to its compiled content schema.
// Compiled once at package init; a malformed embedded schema is a build
// defect, so init panics rather than limping along unvalidated.
var cardSchemas = compileCardSchemas()

func compileCardSchemas() map[model.CardType]*jsonschema.Schema {
	types := []model.CardType{
		model.CardSessionPlan,
		model.CardSetTarget,
		model.CardCoachProposal,
		model.CardVisualization,
		model.CardRoutineSummary,
		model.CardAnalysisSummary,
		model.CardList,
		model.CardInlineInfo,
		model.CardProposalGroup,
		model.CardRoutineOverview,
	}

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	out := make(map[model.CardType]*jsonschema.Schema, len(types))
	for _, t := range types {
		name := fmt.Sprintf("schemas/%s.json", t)
		raw, err := schemaFS.ReadFile(name)
		if err != nil {
			panic(fmt.Sprintf("engine: missing card schema %s: %v", name, err))
		}
		if err := compiler.AddResource(name, bytes.NewReader(raw)); err != nil {
			panic(fmt.Sprintf("engine: add card schema %s: %v", name, err))
		}
		s, err := compiler.Compile(name)
		if err != nil {
			panic(fmt.Sprintf("engine: compile card schema %s: %v", name, err))
		}
		out[t] = s
	}
	return out
}

// ValidateCardContent validates a card content payload against the schema for
// its type. Returns an INVALID_ARGUMENT engine error naming the offending
// field, or UNIMPLEMENTED for a card type without a registered schema.
func ValidateCardContent(t model.CardType, content json.RawMessage) error {
	schema, ok := cardSchemas[t]
	if !ok {
		return unimplementedf("card type %q has no content schema", t)
	}
	if len(content) == 0 {
		return invalidf("content", "content is required for card type %q", t)
	}
	if len(content) > model.MaxContentLen {
		return invalidf("content", "content exceeds maximum length of %d bytes", model.MaxContentLen)
	}

	var doc any
	if err := json.Unmarshal(content, &doc); err != nil {
		return invalidf("content", "content is not valid JSON: %v", err)
	}
	if err := schema.Validate(doc); err != nil {
		return invalidf(offendingField(err), "content does not match %q schema: %v", t, err)
	}
	return nil
}

// offendingField extracts the deepest failing instance location from a
// jsonschema validation error, e.g. "exercises/0/reps".
func offendingField(err error) string {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return "content"
	}
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	loc := strings.TrimPrefix(ve.InstanceLocation, "/")
	if loc == "" {
		return "content"
	}
	return loc
}
