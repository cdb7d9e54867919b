package fffiledata

import (
	"fmt"
	"os"
	"strings"
	"unicode"

	"github.com/ffaaslite/go-ffaas/ffmodel"

	"github.com/launchdarkly/go-jsonstream/v3/jreader"
	"github.com/launchdarkly/go-sdk-common/v3/ldvalue"
	"golang.org/x/exp/slices"
	"gopkg.in/ghodss/yaml.v1"
)

// Load reads and merges the flags in the given files, in file order. If any file cannot be read
// or parsed, or a key is defined more than once, nothing is returned.
func Load(paths ...string) ([]ffmodel.Flag, error) {
	var all []ffmodel.Flag
	seen := make(map[string]string)
	for _, path := range paths {
		flags, err := readFile(path)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		for _, f := range flags {
			if previous, exists := seen[f.Key]; exists {
				return nil, fmt.Errorf("flag %q is specified by multiple files (%s and %s)", f.Key, previous, path)
			}
			seen[f.Key] = path
			all = append(all, f)
		}
	}
	return all, nil
}

func readFile(path string) ([]ffmodel.Flag, error) {
	rawData, err := os.ReadFile(path) //nolint:gosec // reading a configured file is the point
	if err != nil {
		return nil, fmt.Errorf("unable to read file: %w", err)
	}
	if !detectJSON(rawData) {
		if rawData, err = yaml.YAMLToJSON(rawData); err != nil {
			return nil, fmt.Errorf("error parsing file: %w", err)
		}
	}
	flags, err := parseFlags(rawData)
	if err != nil {
		return nil, fmt.Errorf("error parsing file: %w", err)
	}
	return flags, nil
}

func detectJSON(rawData []byte) bool {
	trimmed := strings.TrimLeftFunc(string(rawData), unicode.IsSpace)
	return strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[")
}

func parseFlags(data []byte) ([]ffmodel.Flag, error) {
	r := jreader.NewReader(data)
	var doc ldvalue.Value
	doc.ReadFromJSONReader(&r)
	if err := r.Error(); err != nil {
		return nil, err
	}
	switch doc.Type() {
	case ldvalue.ArrayType:
		return parseFlagList(doc)
	case ldvalue.ObjectType:
		flags, err := parseFlagList(doc.GetByKey("flags"))
		if err != nil {
			return nil, err
		}
		values := doc.GetByKey("flagValues")
		if values.IsNull() {
			return flags, nil
		}
		if values.Type() != ldvalue.ObjectType {
			return nil, fmt.Errorf(`"flagValues" must be an object, not %s`, values.Type())
		}
		keys := values.Keys(nil)
		slices.Sort(keys)
		for _, key := range keys {
			flag, err := makeFlagWithValue(key, values.GetByKey(key))
			if err != nil {
				return nil, err
			}
			flags = append(flags, flag)
		}
		return flags, nil
	}
	return nil, fmt.Errorf("expected a list of flags or an object, not %s", doc.Type())
}

func parseFlagList(list ldvalue.Value) ([]ffmodel.Flag, error) {
	if list.IsNull() {
		return nil, nil
	}
	if list.Type() != ldvalue.ArrayType {
		return nil, fmt.Errorf(`"flags" must be a list, not %s`, list.Type())
	}
	flags := make([]ffmodel.Flag, 0, list.Count())
	for i := 0; i < list.Count(); i++ {
		var flag ffmodel.Flag
		if err := jreader.UnmarshalJSONWithReader([]byte(list.GetByIndex(i).JSONString()), &flag); err != nil {
			return nil, fmt.Errorf("flag %d: %w", i, err)
		}
		flags = append(flags, flag)
	}
	return flags, nil
}

func makeFlagWithValue(key string, value ldvalue.Value) (ffmodel.Flag, error) {
	switch value.Type() {
	case ldvalue.BoolType:
		return ffmodel.NewBoolFlag(key, value.BoolValue()), nil
	case ldvalue.StringType:
		return ffmodel.NewStringFlag(key, value.StringValue()), nil
	case ldvalue.NumberType:
		return ffmodel.NewNumberFlag(key, value.Float64Value()), nil
	}
	return ffmodel.Flag{}, fmt.Errorf("flag value %q must be a boolean, string or number, not %s", key, value.Type())
}
