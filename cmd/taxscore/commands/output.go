package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/teranos/taxscore/errors"
)

// printJSON writes v as indented JSON to stdout
func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode JSON")
	}
	fmt.Println(string(data))
	return nil
}

// openInput opens path for reading, or stdin for "-"
func openInput(path string) (*os.File, error) {
	if path == "-" {
		return os.Stdin, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", path)
	}
	return f, nil
}

// parseID parses a positive integer id argument
func parseID(kind, arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.NewInvalidRequestError("invalid %s id %q", kind, arg)
	}
	return id, nil
}

// formatFloat renders report numbers compactly
func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
