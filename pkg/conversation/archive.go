package conversation

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Archive is the file form of one conversation: the chat record plus every
// stored message version, not just the visible path.
type Archive struct {
	Chat     *Chat      `json:"chat" yaml:"chat"`
	Messages []*Message `json:"messages" yaml:"messages"`
}

// SaveToFile writes the archive as YAML or JSON depending on the extension.
func (a *Archive) SaveToFile(filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return err
	}
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer func(f *os.File) {
		_ = f.Close()
	}(f)

	if isYAML(filename) {
		return a.WriteYAML(f)
	}
	encoder := json.NewEncoder(f)
	encoder.SetIndent("", "  ")
	return encoder.Encode(a)
}

func (a *Archive) WriteYAML(w io.Writer) error {
	encoder := yaml.NewEncoder(w)
	encoder.SetIndent(2)
	if err := encoder.Encode(a); err != nil {
		return err
	}
	return encoder.Close()
}

// LoadFromFile reads an archive written by SaveToFile.
func LoadFromFile(filename string) (*Archive, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer func(f *os.File) {
		_ = f.Close()
	}(f)

	var archive Archive
	if isYAML(filename) {
		err = yaml.NewDecoder(f).Decode(&archive)
	} else if strings.HasSuffix(filename, ".json") {
		var data []byte
		data, err = io.ReadAll(f)
		if err != nil {
			return nil, errors.Wrapf(err, "could not read %s", filename)
		}
		if err := ValidateArchiveJSON(data); err != nil {
			return nil, errors.Wrap(err, filename)
		}
		err = json.Unmarshal(data, &archive)
	} else {
		return nil, errors.Errorf("unsupported archive format: %s", filepath.Ext(filename))
	}
	if err != nil {
		return nil, errors.Wrapf(err, "could not decode %s", filename)
	}
	if archive.Chat == nil {
		return nil, errors.Errorf("archive %s has no chat record", filename)
	}
	for _, m := range archive.Messages {
		m.Normalize()
	}
	return &archive, nil
}

func isYAML(filename string) bool {
	return strings.HasSuffix(filename, ".yaml") || strings.HasSuffix(filename, ".yml")
}
