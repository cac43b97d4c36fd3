// Package catalog loads named AT commands, responses and events from YAML.
//
// A catalog document has three sections:
//
//	responses:
//	  ok: {text: "OK\r\n", rule: exact}
//	  cme_error: {text: '\+CME ERROR: [^\r\n]*\r\n'}
//	commands:
//	  AT+CSQ: {payload: "AT+CSQ\r\n", success: ok, errors: [cme_error], timeout: 3s}
//	events:
//	  RING: {text: "RING\r\n", rule: exact, recurrence: reoccurring}
//
// Rules default to regex and recurrences to one-time. Commands refer to
// responses by name.
package catalog

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"time"

	"github.com/goccy/go-yaml"

	"i4.energy/across/atclient/at"
)

//go:embed default.yaml
var defaultCatalog []byte

var (
	// ErrUnknownCommand is returned when a command name is not in the catalog.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrUnknownEvent is returned when an event name is not in the catalog.
	ErrUnknownEvent = errors.New("unknown event")
	// ErrUnknownResponse is returned when a command refers to a response
	// that is not defined.
	ErrUnknownResponse = errors.New("unknown response")
)

type patternSpec struct {
	Text string `yaml:"text"`
	Rule string `yaml:"rule"`
}

type commandSpec struct {
	Payload string   `yaml:"payload"`
	Success string   `yaml:"success"`
	Errors  []string `yaml:"errors"`
	Timeout string   `yaml:"timeout"`
}

type eventSpec struct {
	Text       string `yaml:"text"`
	Rule       string `yaml:"rule"`
	Recurrence string `yaml:"recurrence"`
}

type document struct {
	Responses map[string]patternSpec `yaml:"responses"`
	Commands  map[string]commandSpec `yaml:"commands"`
	Events    map[string]eventSpec   `yaml:"events"`
}

type event struct {
	pattern    at.Pattern
	recurrence at.Recurrence
}

// Catalog is a validated set of commands and event definitions. It is safe
// for concurrent use; everything it hands out is a fresh value.
type Catalog struct {
	responses map[string]at.Pattern
	commands  map[string]*at.Command
	events    map[string]event
}

// Load decodes and validates a catalog document. Unknown fields are
// rejected.
func Load(r io.Reader) (*Catalog, error) {
	var doc document
	if err := yaml.NewDecoder(r, yaml.DisallowUnknownField()).Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty catalog")
		}
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	return build(doc)
}

// LoadFile loads the catalog stored at path.
func LoadFile(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	c, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Default returns the catalog compiled into the binary.
func Default() *Catalog {
	c, err := Load(bytes.NewReader(defaultCatalog))
	if err != nil {
		panic(fmt.Sprintf("catalog: embedded default: %v", err))
	}
	return c
}

func build(doc document) (*Catalog, error) {
	c := &Catalog{
		responses: make(map[string]at.Pattern, len(doc.Responses)),
		commands:  make(map[string]*at.Command, len(doc.Commands)),
		events:    make(map[string]event, len(doc.Events)),
	}

	for _, name := range slices.Sorted(maps.Keys(doc.Responses)) {
		spec := doc.Responses[name]
		p, err := pattern(name, spec.Text, spec.Rule)
		if err != nil {
			return nil, fmt.Errorf("response %q: %w", name, err)
		}
		c.responses[name] = p
	}

	for _, name := range slices.Sorted(maps.Keys(doc.Commands)) {
		cmd, err := c.command(name, doc.Commands[name])
		if err != nil {
			return nil, fmt.Errorf("command %q: %w", name, err)
		}
		c.commands[name] = cmd
	}

	for _, name := range slices.Sorted(maps.Keys(doc.Events)) {
		spec := doc.Events[name]
		p, err := pattern(name, spec.Text, spec.Rule)
		if err != nil {
			return nil, fmt.Errorf("event %q: %w", name, err)
		}
		rec, err := at.ParseRecurrence(spec.Recurrence)
		if err != nil {
			return nil, fmt.Errorf("event %q: %w", name, err)
		}
		c.events[name] = event{pattern: p, recurrence: rec}
	}

	return c, nil
}

func pattern(name, text, rule string) (at.Pattern, error) {
	r, err := at.ParseMatchRule(rule)
	if err != nil {
		return at.Pattern{}, err
	}
	return at.NewPattern(name, text, r)
}

func (c *Catalog) command(name string, spec commandSpec) (*at.Command, error) {
	success, ok := c.responses[spec.Success]
	if !ok {
		return nil, fmt.Errorf("success: %w: %q", ErrUnknownResponse, spec.Success)
	}

	errs := make([]at.Pattern, 0, len(spec.Errors))
	for _, ref := range spec.Errors {
		p, ok := c.responses[ref]
		if !ok {
			return nil, fmt.Errorf("errors: %w: %q", ErrUnknownResponse, ref)
		}
		errs = append(errs, p)
	}

	timeout, err := time.ParseDuration(spec.Timeout)
	if err != nil {
		return nil, fmt.Errorf("timeout: %w", err)
	}

	return at.NewCommand(name, []byte(spec.Payload), success, errs, timeout)
}

// Command returns a copy of the named command.
func (c *Catalog) Command(name string) (*at.Command, error) {
	cmd, ok := c.commands[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}
	cp := *cmd
	cp.Payload = slices.Clone(cmd.Payload)
	cp.Errors = slices.Clone(cmd.Errors)
	return &cp, nil
}

// Event builds the named event with handler attached. The recurrence from
// the catalog applies unless one is passed explicitly.
func (c *Catalog) Event(name string, handler at.EventHandler, recurrence ...at.Recurrence) (*at.Event, error) {
	ev, ok := c.events[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, name)
	}
	rec := ev.recurrence
	if len(recurrence) > 0 {
		rec = recurrence[0]
	}
	return at.NewEvent(name, ev.pattern, handler, rec)
}

// Response returns the named response pattern.
func (c *Catalog) Response(name string) (at.Pattern, bool) {
	p, ok := c.responses[name]
	return p, ok
}

// CommandNames returns the command names in sorted order.
func (c *Catalog) CommandNames() []string {
	return slices.Sorted(maps.Keys(c.commands))
}

// EventNames returns the event names in sorted order.
func (c *Catalog) EventNames() []string {
	return slices.Sorted(maps.Keys(c.events))
}
