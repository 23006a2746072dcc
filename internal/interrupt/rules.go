package interrupt

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"

	"github.com/fieldtest/fieldtest/internal/driver"
)

//go:embed rules.cue
var defaultRulesCUE string

// Kind classifies the interruption surface a rule detects.
type Kind string

const (
	// KindModalPicker is a modal picker fully occluding input.
	KindModalPicker Kind = "modal-picker"
	// KindBottomSheet is a generic bottom-sheet overlay.
	KindBottomSheet Kind = "bottom-sheet"
	// KindPermissionDialog is a runtime permission prompt.
	KindPermissionDialog Kind = "permission-dialog"
	// KindIconCue is an icon affordance correlated to a pending permission.
	KindIconCue Kind = "icon-cue"
	// KindSystemAlert is a generic system or alert dialog.
	KindSystemAlert Kind = "system-alert"
	// KindNativeView is an embedded native view overlay.
	KindNativeView Kind = "native-view"
	// KindNotResponding is an ANR ("application not responding") warning.
	KindNotResponding Kind = "not-responding"
)

// ContainerRole maps a kind to the element role that hosts it, or ""
// when the kind matches bare elements (icon cues).
func (k Kind) ContainerRole() driver.Role {
	switch k {
	case KindModalPicker:
		return driver.RolePicker
	case KindBottomSheet:
		return driver.RoleSheet
	case KindPermissionDialog:
		return driver.RoleDialog
	case KindSystemAlert, KindNotResponding:
		return driver.RoleAlert
	case KindNativeView:
		return driver.RoleNativeView
	default:
		return ""
	}
}

// Rule is one prioritized interruption pattern. Lower priority values
// are evaluated first.
type Rule struct {
	ID         string
	Priority   int
	Kind       Kind
	Labels     []string
	Every      int // evaluate only every Nth tick; 1 = every tick
	Strategies []string
}

// RuleError reports a malformed rule in a CUE source.
type RuleError struct {
	RuleID  string
	Field   string
	Message string
}

func (e *RuleError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("rule %q: %s: %s", e.RuleID, e.Field, e.Message)
	}
	return fmt.Sprintf("rule %q: %s", e.RuleID, e.Message)
}

// DefaultRules compiles the embedded rule table.
// Panics only if the embedded source is broken, which is a build defect.
func DefaultRules() []Rule {
	ctx := cuecontext.New()
	v := ctx.CompileString(defaultRulesCUE)
	if err := v.Err(); err != nil {
		panic(fmt.Sprintf("embedded rules.cue does not compile: %v", err))
	}
	rules, err := CompileRules(v)
	if err != nil {
		panic(fmt.Sprintf("embedded rules.cue is invalid: %v", err))
	}
	return rules
}

// LoadRules loads and compiles all CUE rule files from a directory,
// returning the combined table sorted by priority.
func LoadRules(dir string) ([]Rule, error) {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("rules directory not found: %s", dir)
	}
	if err != nil {
		return nil, fmt.Errorf("accessing rules directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("not a directory: %s", dir)
	}

	cueFiles, err := findCUEFiles(dir)
	if err != nil {
		return nil, fmt.Errorf("scanning rules directory: %w", err)
	}
	if len(cueFiles) == 0 {
		return nil, fmt.Errorf("no CUE files found in %s", dir)
	}

	cuectx := cuecontext.New()
	cfg := &load.Config{Dir: dir}
	instances := load.Instances([]string{"."}, cfg)
	if len(instances) == 0 {
		return nil, fmt.Errorf("no CUE instances loaded from %s", dir)
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, fmt.Errorf("loading CUE files: %w", inst.Err)
	}

	value := cuectx.BuildInstance(inst)
	if err := value.Err(); err != nil {
		return nil, fmt.Errorf("building CUE value: %w", err)
	}

	return CompileRules(value)
}

// CompileRules extracts the rule table from a CUE value.
// The value must contain a struct at path "rule" mapping rule IDs to
// rule bodies. Returns rules sorted by ascending priority.
func CompileRules(v cue.Value) ([]Rule, error) {
	rulesVal := v.LookupPath(cue.ParsePath("rule"))
	if !rulesVal.Exists() {
		return nil, fmt.Errorf("no \"rule\" table found")
	}

	iter, err := rulesVal.Fields()
	if err != nil {
		return nil, fmt.Errorf("iterating rules: %w", err)
	}

	var rules []Rule
	for iter.Next() {
		r, err := compileRule(iter.Label(), iter.Value())
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	if len(rules) == 0 {
		return nil, fmt.Errorf("rule table is empty")
	}

	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Priority < rules[j].Priority
	})
	return rules, nil
}

func compileRule(id string, v cue.Value) (Rule, error) {
	r := Rule{ID: id}

	prio, err := v.LookupPath(cue.ParsePath("priority")).Int64()
	if err != nil {
		return Rule{}, &RuleError{RuleID: id, Field: "priority", Message: err.Error()}
	}
	r.Priority = int(prio)

	kind, err := v.LookupPath(cue.ParsePath("kind")).String()
	if err != nil {
		return Rule{}, &RuleError{RuleID: id, Field: "kind", Message: err.Error()}
	}
	r.Kind = Kind(kind)

	labelsVal := v.LookupPath(cue.ParsePath("labels"))
	labels, err := stringList(labelsVal)
	if err != nil {
		return Rule{}, &RuleError{RuleID: id, Field: "labels", Message: err.Error()}
	}
	if len(labels) == 0 {
		return Rule{}, &RuleError{RuleID: id, Field: "labels", Message: "at least one label required"}
	}
	r.Labels = labels

	// every and strategies carry defaults: user rule files that omit
	// them (or don't embed the #Rule schema) still compile.
	r.Every = 1
	if everyVal := v.LookupPath(cue.ParsePath("every")); everyVal.Exists() {
		every, err := everyVal.Int64()
		if err != nil {
			return Rule{}, &RuleError{RuleID: id, Field: "every", Message: err.Error()}
		}
		if every < 1 {
			return Rule{}, &RuleError{RuleID: id, Field: "every", Message: "must be >= 1"}
		}
		r.Every = int(every)
	}

	r.Strategies = DefaultStrategyOrder()
	if stratVal := v.LookupPath(cue.ParsePath("strategies")); stratVal.Exists() {
		strategies, err := stringList(stratVal)
		if err != nil {
			return Rule{}, &RuleError{RuleID: id, Field: "strategies", Message: err.Error()}
		}
		if len(strategies) == 0 {
			return Rule{}, &RuleError{RuleID: id, Field: "strategies", Message: "at least one strategy required"}
		}
		r.Strategies = strategies
	}

	return r, nil
}

// MergeRules layers overlay onto base: an overlay rule with the same
// ID replaces the base rule, new IDs are added. The result is sorted
// by ascending priority.
func MergeRules(base, overlay []Rule) []Rule {
	byID := make(map[string]int, len(base))
	out := make([]Rule, len(base))
	copy(out, base)
	for i, r := range out {
		byID[r.ID] = i
	}
	for _, r := range overlay {
		if i, ok := byID[r.ID]; ok {
			out[i] = r
			continue
		}
		byID[r.ID] = len(out)
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority < out[j].Priority
	})
	return out
}

func stringList(v cue.Value) ([]string, error) {
	iter, err := v.List()
	if err != nil {
		return nil, err
	}
	var out []string
	for iter.Next() {
		s, err := iter.Value().String()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func findCUEFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Ext(path) == ".cue" {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}
