// pre_processor.go expands the embedded WGSL programs. A line of the form
//
//	// @flow:include <name>
//
// is replaced by the embedded file wgsl/<name>.wgsl, after which the whole source is executed as a
// text/template with the Specialization (plus derived image bindings) as data.
package shader

import (
	"embed"
	"fmt"
	"strings"
	"text/template"
)

//go:embed wgsl/*.wgsl
var sources embed.FS

const includeDirective = "// @flow:include "

// ImageBinding describes one dataset image declaration generated into an integrate variant.
type ImageBinding struct {
	Index   uint32
	Binding uint32
	Channel uint32
	Time    uint32
}

type templateData struct {
	Specialization
	WorkGroupX, WorkGroupY, WorkGroupZ uint32
	Images                             []ImageBinding
}

type preProcessor struct {
	included map[string]bool
}

// PreProcessor turns an embedded program into specialized WGSL.
type PreProcessor interface {
	// Process loads the named program, resolves its include directives and applies the
	// specialization constants.
	//
	// Parameters:
	//   - name: the program file name without extension (a Variant)
	//   - spec: the specialization constants
	//
	// Returns:
	//   - string: the processed WGSL source
	//   - error: an error if a file is missing, an include is repeated, or templating fails
	Process(name string, spec Specialization) (string, error)
}

var _ PreProcessor = &preProcessor{}

// NewPreProcessor creates a PreProcessor over the embedded WGSL files.
//
// Returns:
//   - PreProcessor: a ready-to-use pre-processor
func NewPreProcessor() PreProcessor {
	return &preProcessor{}
}

func (p *preProcessor) Process(name string, spec Specialization) (string, error) {
	p.included = make(map[string]bool)

	expanded, err := p.expand(name)
	if err != nil {
		return "", err
	}

	tmpl, err := template.New(name).Option("missingkey=error").Parse(expanded)
	if err != nil {
		return "", fmt.Errorf("failed to parse %s template: %w", name, err)
	}

	var sb strings.Builder
	if err := tmpl.Execute(&sb, newTemplateData(spec)); err != nil {
		return "", fmt.Errorf("failed to specialize %s: %w", name, err)
	}
	return sb.String(), nil
}

func (p *preProcessor) expand(name string) (string, error) {
	if p.included[name] {
		return "", fmt.Errorf("%s included twice", name)
	}
	p.included[name] = true

	data, err := sources.ReadFile("wgsl/" + name + ".wgsl")
	if err != nil {
		return "", fmt.Errorf("unknown shader source %q: %w", name, err)
	}

	lines := strings.Split(string(data), "\n")
	out := make([]string, 0, len(lines))
	for i, line := range lines {
		include, ok := strings.CutPrefix(strings.TrimSpace(line), includeDirective)
		if !ok {
			out = append(out, line)
			continue
		}
		src, err := p.expand(strings.TrimSpace(include))
		if err != nil {
			return "", fmt.Errorf("%s.wgsl line %d: %w", name, i+1, err)
		}
		out = append(out, src)
	}
	return strings.Join(out, "\n"), nil
}

func newTemplateData(spec Specialization) templateData {
	wg := spec.WorkGroupSize
	d := templateData{
		Specialization: spec,
		WorkGroupX:     max(wg[0], 1),
		WorkGroupY:     max(wg[1], 1),
		WorkGroupZ:     max(wg[2], 1),
	}
	for c := range spec.Channels {
		for t := range spec.TimeSteps {
			index := c*spec.TimeSteps + t
			d.Images = append(d.Images, ImageBinding{
				Index:   index,
				Binding: FirstImageBinding + index,
				Channel: c,
				Time:    t,
			})
		}
	}
	return d
}
