package handlers

import "github.com/xeipuuv/gojsonschema"

var inputSchemas map[string]string = map[string]string{
	"SubmitJob": SubmitJobRequestSchemaDefinition,
}

// compileJsonSchemas panics on a bad schema definition so mistakes surface at
// program start rather than on the first request.
func compileJsonSchemas() map[string]*gojsonschema.Schema {
	compiled := make(map[string]*gojsonschema.Schema, 0)
	for name, text := range inputSchemas {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(text))
		if err != nil {
			panic(err)
		}
		compiled[name] = schema
	}
	return compiled
}

var inputSchemasCompiled map[string]*gojsonschema.Schema = compileJsonSchemas()
