package scoring

import (
	"encoding/json"
	"math"
	"sort"
)

// Operator names of the expression grammar
const (
	OpAttr    = "attr"
	OpSum     = "+"
	OpProduct = "*"
	OpAbs     = "abs"
)

// Attributes is the per-taxon context a tree is evaluated against, keyed by
// dotted path ("genus.NT.zscore")
type Attributes map[string]float64

// Node is one node of an expression tree. The concrete types are Attr, Sum,
// Product and Abs; nothing else implements Node.
type Node interface {
	Op() string
	Eval(attrs Attributes) (float64, error)
	node()
}

// Attr reads one attribute from the context
type Attr struct {
	Path string
}

// Sum adds its terms
type Sum struct {
	Terms []Node
}

// Product multiplies its factors
type Product struct {
	Factors []Node
}

// Abs is the absolute value of its operand
type Abs struct {
	Operand Node
}

func (Attr) node()    {}
func (Sum) node()     {}
func (Product) node() {}
func (Abs) node()     {}

func (Attr) Op() string    { return OpAttr }
func (Sum) Op() string     { return OpSum }
func (Product) Op() string { return OpProduct }
func (Abs) Op() string     { return OpAbs }

// Eval looks the path up. A missing path is an error, never zero.
func (a Attr) Eval(attrs Attributes) (float64, error) {
	v, ok := attrs[a.Path]
	if !ok {
		return 0, &AttributeNotFoundError{Path: a.Path}
	}
	return v, nil
}

func (s Sum) Eval(attrs Attributes) (float64, error) {
	total := 0.0
	for _, term := range s.Terms {
		v, err := term.Eval(attrs)
		if err != nil {
			return 0, err
		}
		total += v
	}
	return total, nil
}

func (p Product) Eval(attrs Attributes) (float64, error) {
	total := 1.0
	for _, factor := range p.Factors {
		v, err := factor.Eval(attrs)
		if err != nil {
			return 0, err
		}
		total *= v
	}
	return total, nil
}

func (a Abs) Eval(attrs Attributes) (float64, error) {
	v, err := a.Operand.Eval(attrs)
	if err != nil {
		return 0, err
	}
	return math.Abs(v), nil
}

// MarshalJSON encodes nodes back into the model file grammar
func (a Attr) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireNode{Op: OpAttr, On: a.Path})
}

func (s Sum) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireNode{Op: OpSum, On: s.Terms})
}

func (p Product) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireNode{Op: OpProduct, On: p.Factors})
}

func (a Abs) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireNode{Op: OpAbs, On: a.Operand})
}

type wireNode struct {
	Op string      `json:"op"`
	On interface{} `json:"on"`
}

// Paths returns the distinct attribute paths a tree reads, sorted
func Paths(n Node) []string {
	seen := map[string]struct{}{}
	var walk func(Node)
	walk = func(n Node) {
		switch v := n.(type) {
		case Attr:
			seen[v.Path] = struct{}{}
		case Sum:
			for _, t := range v.Terms {
				walk(t)
			}
		case Product:
			for _, f := range v.Factors {
				walk(f)
			}
		case Abs:
			walk(v.Operand)
		}
	}
	walk(n)

	paths := make([]string, 0, len(seen))
	for p := range seen {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
