package pdl

// DefaultModule collects entries that appear before any Module line.
const DefaultModule = "default"

// Entry is one compiled constraint.
type Entry struct {
	Command Command `json:"command" yaml:"command"`
	Key     string  `json:"key" yaml:"key"`
	Value   string  `json:"value" yaml:"value"`
}

// Module groups the entries written while it was the current module.
type Module struct {
	Name    string  `json:"name" yaml:"name"`
	Entries []Entry `json:"entries" yaml:"entries"`
}

// CompiledConstraint is the normalized form of a validated document.
// FlatRules is every module's entries in module first-appearance order.
type CompiledConstraint struct {
	Modules   []Module `json:"modules" yaml:"modules"`
	FlatRules []Entry  `json:"flatRules" yaml:"flatRules"`
}

// Compile folds lines into modules. It assumes lines already passed Parse and
// Validate and never fails.
func Compile(lines []SourceLine) CompiledConstraint {
	modules := []Module{{Name: DefaultModule, Entries: []Entry{}}}
	current := DefaultModule

	for _, line := range lines {
		if line.Command == CommandModule {
			current = line.Value
			if moduleIndex(modules, current) < 0 {
				modules = append(modules, Module{Name: current, Entries: []Entry{}})
			}
			continue
		}
		if idx := moduleIndex(modules, current); idx >= 0 {
			modules[idx].Entries = append(modules[idx].Entries, Entry{Command: line.Command, Key: line.Key, Value: line.Value})
		}
	}

	flat := []Entry{}
	for _, m := range modules {
		flat = append(flat, m.Entries...)
	}
	return CompiledConstraint{Modules: modules, FlatRules: flat}
}

func moduleIndex(modules []Module, name string) int {
	for i := range modules {
		if modules[i].Name == name {
			return i
		}
	}
	return -1
}
