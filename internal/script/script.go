// Package script loads tutorial walkthroughs from YAML and plays them against
// a tutorial controller.
//
// A script is a start-session payload plus a linear list of steps:
//
//	name: grid world tutorial
//	start:
//	  condition: {domain: grid world, environment: tutorial}
//	steps:
//	  - say: Use the arrow keys to move the robot.
//	  - enable-user
//	  - await-action
//	  - await-control: start-demonstration
//	  - display: demonstration
//	  - await-state: {x: 5, y: 0}
//	  - set-state: {x: 4, y: 5, direction: left}
//	  - start-agent
//	  - await-feedback: reward
//	  - wait: 2s
package script

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rtloftin/discrete-bam/internal/protocol/wire"
	"gopkg.in/yaml.v3"
)

// Script is one tutorial walkthrough.
type Script struct {
	Name string `yaml:"name"`
	// Start is sent as the start-session payload.
	Start map[string]any `yaml:"start"`
	Steps []Step         `yaml:"steps"`
}

// Step is a single instruction. Exactly one field is set.
type Step struct {
	Say           string            `yaml:"say,omitempty"`
	EnableUser    bool              `yaml:"enable-user,omitempty"`
	DisableUser   bool              `yaml:"disable-user,omitempty"`
	AwaitAction   bool              `yaml:"await-action,omitempty"`
	AwaitControl  string            `yaml:"await-control,omitempty"`
	AwaitFeedback wire.FeedbackKind `yaml:"await-feedback,omitempty"`
	// AwaitState matches when every listed field equals the rendered state's
	// field. An empty mapping matches the next state.
	AwaitState    map[string]any `yaml:"await-state,omitempty"`
	SetState      map[string]any `yaml:"set-state,omitempty"`
	SetTask       string         `yaml:"set-task,omitempty"`
	StartAgent    bool           `yaml:"start-agent,omitempty"`
	StopAgent     bool           `yaml:"stop-agent,omitempty"`
	Display       string         `yaml:"display,omitempty"`
	Flash         string         `yaml:"flash,omitempty"`
	EnableControl string         `yaml:"enable-control,omitempty"`
	Wait          time.Duration  `yaml:"wait,omitempty"`

	// awaitState records that await-state was present, since an empty
	// mapping is meaningful.
	awaitState bool
}

// flags lists the steps that take no argument and may be written as a bare
// scalar.
var flags = map[string]func(*Step){
	"enable-user":  func(s *Step) { s.EnableUser = true },
	"disable-user": func(s *Step) { s.DisableUser = true },
	"await-action": func(s *Step) { s.AwaitAction = true },
	"start-agent":  func(s *Step) { s.StartAgent = true },
	"stop-agent":   func(s *Step) { s.StopAgent = true },
	"await-state":  func(s *Step) { s.awaitState = true },
}

// UnmarshalYAML accepts either a bare flag name or a one-key mapping.
func (s *Step) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode {
		set, ok := flags[n.Value]
		if !ok {
			return fmt.Errorf("line %d: unknown step %q", n.Line, n.Value)
		}
		set(s)
		return nil
	}
	if n.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: step must be a name or a mapping", n.Line)
	}

	type plain Step
	if err := n.Decode((*plain)(s)); err != nil {
		return err
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		key := n.Content[i].Value
		if _, ok := fieldNames[key]; !ok {
			return fmt.Errorf("line %d: unknown step %q", n.Content[i].Line, key)
		}
		if key == "await-state" {
			s.awaitState = true
		}
	}
	return nil
}

var fieldNames = map[string]struct{}{
	"say": {}, "enable-user": {}, "disable-user": {}, "await-action": {},
	"await-control": {}, "await-feedback": {}, "await-state": {},
	"set-state": {}, "set-task": {}, "start-agent": {}, "stop-agent": {},
	"display": {}, "flash": {}, "enable-control": {}, "wait": {},
}

// Kind names the instruction a step carries.
func (s Step) Kind() string {
	kinds := s.kinds()
	if len(kinds) != 1 {
		return ""
	}
	return kinds[0]
}

func (s Step) kinds() []string {
	var out []string
	add := func(set bool, name string) {
		if set {
			out = append(out, name)
		}
	}
	add(s.Say != "", "say")
	add(s.EnableUser, "enable-user")
	add(s.DisableUser, "disable-user")
	add(s.AwaitAction, "await-action")
	add(s.AwaitControl != "", "await-control")
	add(s.AwaitFeedback != "", "await-feedback")
	add(s.awaitState, "await-state")
	add(s.SetState != nil, "set-state")
	add(s.SetTask != "", "set-task")
	add(s.StartAgent, "start-agent")
	add(s.StopAgent, "stop-agent")
	add(s.Display != "", "display")
	add(s.Flash != "", "flash")
	add(s.EnableControl != "", "enable-control")
	add(s.Wait > 0, "wait")
	return out
}

// Parse decodes and validates a script.
func Parse(data []byte) (*Script, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var sc Script
	if err := dec.Decode(&sc); err != nil {
		return nil, fmt.Errorf("parse script: %w", err)
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

// Load reads and parses the script at path.
func Load(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	return Parse(data)
}

// Validate checks that every step carries exactly one valid instruction.
func (sc *Script) Validate() error {
	if len(sc.Steps) == 0 {
		return errors.New("script has no steps")
	}
	var errs []error
	for i, st := range sc.Steps {
		kinds := st.kinds()
		switch {
		case len(kinds) == 0:
			errs = append(errs, fmt.Errorf("step %d: empty", i+1))
			continue
		case len(kinds) > 1:
			errs = append(errs, fmt.Errorf("step %d: several instructions (%s)", i+1, strings.Join(kinds, ", ")))
			continue
		}
		if st.AwaitFeedback != "" && !st.AwaitFeedback.Valid() {
			errs = append(errs, fmt.Errorf("step %d: unknown feedback %q", i+1, st.AwaitFeedback))
		}
		if st.Display != "" && !validDisplay(st.Display) {
			errs = append(errs, fmt.Errorf("step %d: unknown display %q", i+1, st.Display))
		}
		if st.Flash != "" && st.Flash != "green" && st.Flash != "red" {
			errs = append(errs, fmt.Errorf("step %d: unknown flash %q", i+1, st.Flash))
		}
	}
	return errors.Join(errs...)
}

func validDisplay(mode string) bool {
	switch mode {
	case "idle", "demonstration", "execution":
		return true
	}
	return false
}
