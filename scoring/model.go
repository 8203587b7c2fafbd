package scoring

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/teranos/taxscore/errors"
	"github.com/teranos/taxscore/zscore"
)

// Model is a named, validated expression tree and the z-score config that goes with it
type Model struct {
	Name        string
	Description string
	Tree        Node
	Config      zscore.Config
}

// modelFile is the on-disk form of a model
type modelFile struct {
	Name        string          `json:"name,omitempty"`
	Description string          `json:"description,omitempty"`
	Expression  json.RawMessage `json:"expression"`
	Config      *zscore.Config  `json:"config,omitempty"`
}

// NewModel validates tree and cfg and returns the model
func NewModel(name string, tree Node, cfg zscore.Config) (*Model, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, &ValidationError{Pointer: "/name", Reason: "model name cannot be empty"}
	}
	if err := Validate(tree); err != nil {
		return nil, errors.Wrapf(err, "model %s", name)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "model %s config", name), ErrInvalidModel)
	}
	return &Model{Name: name, Tree: tree, Config: cfg}, nil
}

// ParseModel decodes a model file. fallbackName is used when the file has no
// name; defaults when it has no config block.
func ParseModel(data []byte, fallbackName string, defaults zscore.Config) (*Model, error) {
	var file modelFile
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&file); err != nil {
		return nil, errors.WithDetail(&ValidationError{Reason: "model file is not a valid model object"}, err.Error())
	}

	name := file.Name
	if name == "" {
		name = fallbackName
	}
	if len(file.Expression) == 0 {
		return nil, errors.Wrapf(&ValidationError{Pointer: "/expression", Reason: "missing expression"}, "model %s", name)
	}

	tree, err := Parse(file.Expression)
	if err != nil {
		var vErr *ValidationError
		if errors.As(err, &vErr) {
			vErr.Pointer = "/expression" + vErr.Pointer
		}
		return nil, errors.Wrapf(err, "model %s", name)
	}

	cfg := defaults
	if file.Config != nil {
		cfg = *file.Config
	}
	model, err := NewModel(name, tree, cfg)
	if err != nil {
		return nil, err
	}
	model.Description = file.Description
	return model, nil
}

// Evaluate scores one taxon. A missing attribute yields an error matching
// ErrAttributeNotFound; the caller excludes that taxon.
func (m *Model) Evaluate(attrs Attributes) (float64, error) {
	v, err := m.Tree.Eval(attrs)
	if err != nil {
		return 0, errors.Wrapf(err, "model %s", m.Name)
	}
	return v, nil
}

// Paths lists the attributes the model reads
func (m *Model) Paths() []string {
	return Paths(m.Tree)
}

// MarshalJSON encodes the model in its file form
func (m *Model) MarshalJSON() ([]byte, error) {
	expr, err := json.Marshal(m.Tree)
	if err != nil {
		return nil, err
	}
	cfg := m.Config
	return json.Marshal(modelFile{Name: m.Name, Description: m.Description, Expression: expr, Config: &cfg})
}

// AggScore is the stock aggregate score:
//
//	Σ over NT, NR of |genus.db.zscore| × species.db.zscore × species.db.rpm
func AggScore(cfg zscore.Config) *Model {
	term := func(db string) Node {
		return Product{Factors: []Node{
			Abs{Operand: Attr{Path: "genus." + db + ".zscore"}},
			Attr{Path: "species." + db + ".zscore"},
			Attr{Path: "species." + db + ".rpm"},
		}}
	}
	return &Model{
		Name:        "agg_score",
		Description: "genus-weighted species z-score times rpm, summed over NT and NR",
		Tree:        Sum{Terms: []Node{term("NT"), term("NR")}},
		Config:      cfg,
	}
}
