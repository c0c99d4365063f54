package conversation

import (
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"
	"github.com/xeipuuv/gojsonschema"
)

const archiveSchemaVersion = "http://json-schema.org/draft-07/schema#"

// ArchiveSchema describes the JSON form of an Archive.
func ArchiveSchema() *jsonschema.Schema {
	reflector := &jsonschema.Reflector{
		DoNotReference: true,
	}
	schema := reflector.Reflect(&Archive{})
	schema.Version = archiveSchemaVersion
	schema.Title = "arbor conversation archive"
	return schema
}

// ValidateArchiveJSON checks a JSON archive against ArchiveSchema and
// reports every violation at once.
func ValidateArchiveJSON(data []byte) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(ArchiveSchema()),
		gojsonschema.NewBytesLoader(data),
	)
	if err != nil {
		return errors.Wrap(err, "could not validate archive")
	}
	if result.Valid() {
		return nil
	}
	problems := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		problems = append(problems, e.String())
	}
	return errors.Errorf("invalid archive: %s", strings.Join(problems, "; "))
}
