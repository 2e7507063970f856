package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jxucoder/intake/model"
)

//go:embed questions.yaml
var defaultQuestions []byte

// QuestionSet is the list of questions submitted for analysis, and the
// folders the reference server offers.
type QuestionSet struct {
	Questions []string       `yaml:"questions"`
	Folders   []model.Folder `yaml:"folders"`
}

// Folder returns the folder with id.
func (q *QuestionSet) Folder(id string) (model.Folder, bool) {
	for _, f := range q.Folders {
		if f.ID == id {
			return f, true
		}
	}
	return model.Folder{}, false
}

// DefaultQuestions returns the built-in question set.
func DefaultQuestions() *QuestionSet {
	qs, err := ParseQuestions(defaultQuestions)
	if err != nil {
		panic(fmt.Sprintf("embedded questions.yaml: %v", err))
	}
	return qs
}

// LoadQuestions reads a question set from path, or returns the built-in set
// when path is empty.
func LoadQuestions(path string) (*QuestionSet, error) {
	if path == "" {
		return DefaultQuestions(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading questions: %w", err)
	}
	qs, err := ParseQuestions(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return qs, nil
}

// ParseQuestions decodes a YAML question set. Blank questions are dropped;
// at least one must remain.
func ParseQuestions(data []byte) (*QuestionSet, error) {
	var qs QuestionSet
	if err := yaml.Unmarshal(data, &qs); err != nil {
		return nil, fmt.Errorf("parsing questions: %w", err)
	}

	kept := qs.Questions[:0]
	for _, q := range qs.Questions {
		if q = strings.TrimSpace(q); q != "" {
			kept = append(kept, q)
		}
	}
	qs.Questions = kept
	if len(qs.Questions) == 0 {
		return nil, errors.New("question set is empty")
	}

	seen := make(map[string]bool, len(qs.Folders))
	for _, f := range qs.Folders {
		if f.ID == "" {
			return nil, fmt.Errorf("folder %q has no id", f.Name)
		}
		if seen[f.ID] {
			return nil, fmt.Errorf("duplicate folder id %q", f.ID)
		}
		seen[f.ID] = true
	}
	return &qs, nil
}
