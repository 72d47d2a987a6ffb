package broker

import (
	_ "embed"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed rates.schema.json
var ratesSchemaJSON string

var ratesSchema = jsonschema.MustCompileString("rates.schema.json", ratesSchemaJSON)
