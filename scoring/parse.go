package scoring

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/teranos/taxscore/errors"
)

// MaxDepth bounds the nesting of an expression tree
const MaxDepth = 32

// Parse decodes and validates an expression tree. Either the whole tree is
// valid or a *ValidationError is returned; nothing is partially built.
func Parse(data []byte) (Node, error) {
	if !json.Valid(data) {
		return nil, &ValidationError{Reason: "expression is not valid JSON"}
	}
	return parseNode(json.RawMessage(data), "", 1)
}

func parseNode(raw json.RawMessage, pointer string, depth int) (Node, error) {
	if depth > MaxDepth {
		return nil, invalid(pointer, "expression nests deeper than %d levels", MaxDepth)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return nil, invalid(pointer, "node must be a JSON object")
	}
	for key := range fields {
		if key != "op" && key != "on" && key != "path" {
			return nil, invalid(pointer, "unknown key %q", key)
		}
	}

	var op string
	rawOp, ok := fields["op"]
	if !ok {
		return nil, invalid(pointer, "missing \"op\"")
	}
	if err := json.Unmarshal(rawOp, &op); err != nil {
		return nil, invalid(pointer+"/op", "op must be a string")
	}
	if op == OpAttr {
		return parseAttr(fields, pointer)
	}
	if _, ok := fields["path"]; ok {
		return nil, invalid(pointer+"/path", "only attr takes a \"path\"")
	}
	on, ok := fields["on"]
	if !ok {
		return nil, invalid(pointer, "%q needs an \"on\" operand", op)
	}

	switch op {
	case OpSum, OpProduct:
		children, err := parseList(on, pointer, depth, op)
		if err != nil {
			return nil, err
		}
		if op == OpSum {
			return Sum{Terms: children}, nil
		}
		return Product{Factors: children}, nil

	case OpAbs:
		if isArray(on) {
			var items []json.RawMessage
			if err := json.Unmarshal(on, &items); err != nil {
				return nil, invalid(pointer+"/on", "abs operand must be a node")
			}
			if len(items) != 1 {
				return nil, invalid(pointer+"/on", "abs takes exactly one operand, got %d", len(items))
			}
			child, err := parseNode(items[0], pointer+"/on/0", depth+1)
			if err != nil {
				return nil, err
			}
			return Abs{Operand: child}, nil
		}
		child, err := parseNode(on, pointer+"/on", depth+1)
		if err != nil {
			return nil, err
		}
		return Abs{Operand: child}, nil

	default:
		return nil, invalid(pointer+"/op", "unknown op %q (want one of attr, +, *, abs)", op)
	}
}

// parseAttr reads the leaf's path from "on", or from "path" as an alias.
// Giving both is ambiguous.
func parseAttr(fields map[string]json.RawMessage, pointer string) (Node, error) {
	key := "on"
	raw, hasOn := fields["on"]
	if alias, hasPath := fields["path"]; hasPath {
		if hasOn {
			return nil, invalid(pointer, "attr takes \"on\" or \"path\", not both")
		}
		key, raw = "path", alias
	} else if !hasOn {
		return nil, invalid(pointer, "\"attr\" needs an \"on\" operand")
	}

	var path string
	if err := json.Unmarshal(raw, &path); err != nil {
		return nil, invalid(pointer+"/"+key, "attr operand must be a string path")
	}
	if err := validatePath(path); err != nil {
		return nil, invalid(pointer+"/"+key, "%s", err)
	}
	return Attr{Path: path}, nil
}

func parseList(on json.RawMessage, pointer string, depth int, op string) ([]Node, error) {
	var items []json.RawMessage
	if !isArray(on) || json.Unmarshal(on, &items) != nil {
		return nil, invalid(pointer+"/on", "%q operand must be an array of nodes", op)
	}
	if len(items) == 0 {
		return nil, invalid(pointer+"/on", "%q needs at least one operand", op)
	}
	children := make([]Node, 0, len(items))
	for i, item := range items {
		child, err := parseNode(item, fmt.Sprintf("%s/on/%d", pointer, i), depth+1)
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	return children, nil
}

func isArray(raw json.RawMessage) bool {
	trimmed := bytes.TrimLeftFunc(raw, unicode.IsSpace)
	return len(trimmed) > 0 && trimmed[0] == '['
}

func validatePath(path string) error {
	segments := strings.Split(path, ".")
	if len(segments) < 2 {
		return errors.Newf("attribute path %q must be dot-delimited (rank.database.metric)", path)
	}
	for _, seg := range segments {
		if seg == "" || strings.IndexFunc(seg, unicode.IsSpace) >= 0 {
			return errors.Newf("attribute path %q has an empty or blank segment", path)
		}
	}
	return nil
}

// Validate checks a tree built in code against the same rules Parse enforces
func Validate(n Node) error {
	return validateNode(n, "", 1)
}

func validateNode(n Node, pointer string, depth int) error {
	if depth > MaxDepth {
		return invalid(pointer, "expression nests deeper than %d levels", MaxDepth)
	}
	switch v := n.(type) {
	case Attr:
		if err := validatePath(v.Path); err != nil {
			return invalid(pointer+"/on", "%s", err)
		}
	case Sum:
		return validateChildren(v.Terms, pointer, depth, OpSum)
	case Product:
		return validateChildren(v.Factors, pointer, depth, OpProduct)
	case Abs:
		if v.Operand == nil {
			return invalid(pointer+"/on", "abs takes exactly one operand, got 0")
		}
		return validateNode(v.Operand, pointer+"/on", depth+1)
	default:
		return invalid(pointer, "missing node")
	}
	return nil
}

func validateChildren(children []Node, pointer string, depth int, op string) error {
	if len(children) == 0 {
		return invalid(pointer+"/on", "%q needs at least one operand", op)
	}
	for i, child := range children {
		if err := validateNode(child, fmt.Sprintf("%s/on/%d", pointer, i), depth+1); err != nil {
			return err
		}
	}
	return nil
}

func invalid(pointer, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Pointer: pointer, Reason: fmt.Sprintf(format, args...)}
}
