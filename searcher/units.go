package searcher

// A Unit describes how the searcher's configured training
// length is measured.
type Unit string

const (
	// Unconfigured means the experiment did not name a
	// unit, e.g. `max_length: 50`, or the length was
	// ambiguous.
	Unconfigured Unit = ""

	Epochs  Unit = "EPOCHS"
	Records Unit = "RECORDS"
	Batches Unit = "BATCHES"
)

var unitKeys = map[string]Unit{
	"epochs":  Epochs,
	"records": Records,
	"batches": Batches,
}

// Configured reports whether u names a real unit.
func (u Unit) Configured() bool {
	return u != Unconfigured
}

// ParseUnits finds the unit used in the searcher section
// of an experiment configuration.
//
// All searchers have a max_length, except for PBT, which
// has a length_per_round. The length is only considered
// to carry a unit if it is a mapping with exactly one
// key, like `max_length: {epochs: 50}`.
//
// Malformed configurations never cause a failure; they
// simply result in Unconfigured.
func ParseUnits(experimentConfig map[string]any) Unit {
	searcherConfig, ok := asMap(experimentConfig["searcher"])
	if !ok {
		return Unconfigured
	}
	length := searcherConfig["max_length"]
	if !truthy(length) {
		length = searcherConfig["length_per_round"]
	}
	lengthMap, ok := asMap(length)
	if !ok || len(lengthMap) != 1 {
		return Unconfigured
	}
	for key := range lengthMap {
		return unitKeys[key]
	}
	panic("unreachable")
}

// asMap accepts both JSON-style and YAML-style decoded
// mappings. Mappings with non-string keys are rejected.
func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		res := make(map[string]any, len(m))
		for k, v := range m {
			s, ok := k.(string)
			if !ok {
				return nil, false
			}
			res[s] = v
		}
		return res, true
	}
	return nil, false
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case int:
		return x != 0
	case int64:
		return x != 0
	case uint64:
		return x != 0
	case float64:
		return x != 0
	case map[string]any:
		return len(x) > 0
	case map[any]any:
		return len(x) > 0
	case []any:
		return len(x) > 0
	}
	return true
}
