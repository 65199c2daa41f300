package playwright

import (
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/odvcencio/planrunner/pkg/browser"
)

var (
	ariaHeadRe = regexp.MustCompile(`^(\S+)(?:\s+"((?:[^"\\]|\\.)*)")?(.*)$`)
	ariaAttrRe = regexp.MustCompile(`\[([\w-]+)(?:=([^\]]*))?\]`)
)

// valueRoles carry their trailing scalar as the element's current value.
var valueRoles = map[string]bool{
	"textbox":    true,
	"searchbox":  true,
	"combobox":   true,
	"spinbutton": true,
	"slider":     true,
}

// pageSnapshot is the parsed text payload of a browser_snapshot call.
type pageSnapshot struct {
	URL      string
	Title    string
	Elements []browser.Element
}

// parseSnapshotText splits the tool output into page metadata and the aria
// YAML block, then flattens the tree into ref-addressable elements.
func parseSnapshotText(text string) (*pageSnapshot, error) {
	out := &pageSnapshot{}
	var yamlLines []string
	inYAML := false

	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "```yaml"):
			inYAML = true
			continue
		case inYAML && strings.HasPrefix(trimmed, "```"):
			inYAML = false
			continue
		case inYAML:
			yamlLines = append(yamlLines, line)
			continue
		}
		if v, ok := cutField(trimmed, "Page URL:"); ok {
			out.URL = v
		} else if v, ok := cutField(trimmed, "Page Title:"); ok {
			out.Title = v
		}
	}

	if len(yamlLines) == 0 {
		return out, nil
	}

	var root yaml.Node
	if err := yaml.Unmarshal([]byte(strings.Join(yamlLines, "\n")), &root); err != nil {
		return nil, fmt.Errorf("parse aria snapshot: %w", err)
	}
	if root.Kind == yaml.DocumentNode && len(root.Content) > 0 {
		walkAria(root.Content[0], nil, &out.Elements)
	}
	return out, nil
}

func cutField(line, label string) (string, bool) {
	line = strings.TrimPrefix(line, "- ")
	if !strings.HasPrefix(line, label) {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(line, label)), true
}

// walkAria visits a sequence of aria items. parent is the nearest ancestor
// that has a ref; unreferenced text is folded into it.
func walkAria(node *yaml.Node, parent *browser.Element, out *[]browser.Element) {
	if node == nil || node.Kind != yaml.SequenceNode {
		return
	}
	for _, item := range node.Content {
		switch item.Kind {
		case yaml.ScalarNode:
			visitAria(item.Value, nil, parent, out)
		case yaml.MappingNode:
			for i := 0; i+1 < len(item.Content); i += 2 {
				visitAria(item.Content[i].Value, item.Content[i+1], parent, out)
			}
		}
	}
}

func visitAria(head string, body *yaml.Node, parent *browser.Element, out *[]browser.Element) {
	if strings.HasPrefix(head, "/") {
		if parent != nil && body != nil && body.Kind == yaml.ScalarNode {
			if parent.Descriptor.Attributes == nil {
				parent.Descriptor.Attributes = make(map[string]string)
			}
			parent.Descriptor.Attributes[strings.TrimPrefix(head, "/")] = body.Value
			syncElement(parent, out)
		}
		return
	}

	role, name, attrs := parseAriaHead(head)
	ref := attrs["ref"]
	delete(attrs, "ref")

	scalar := ""
	if body != nil && body.Kind == yaml.ScalarNode {
		scalar = body.Value
	}

	if ref == "" {
		text := scalar
		if text == "" && role == "text" {
			text = name
		}
		if parent != nil && text != "" && parent.Descriptor.Text == "" {
			parent.Descriptor.Text = text
			syncElement(parent, out)
		}
		if body != nil && body.Kind == yaml.SequenceNode {
			walkAria(body, parent, out)
		}
		return
	}

	el := browser.Element{Ref: ref, Descriptor: browser.Descriptor{Role: role, Name: name}}
	if len(attrs) > 0 {
		el.Descriptor.Attributes = attrs
	}
	if scalar != "" {
		if valueRoles[role] {
			el.Descriptor.Value = scalar
		} else {
			el.Descriptor.Text = scalar
		}
	}
	*out = append(*out, el)

	if body != nil && body.Kind == yaml.SequenceNode {
		cur := el
		walkAria(body, &cur, out)
	}
}

// syncElement writes a parent updated during the walk back into out.
func syncElement(el *browser.Element, out *[]browser.Element) {
	for i := range *out {
		if (*out)[i].Ref == el.Ref {
			(*out)[i].Descriptor = el.Descriptor
			return
		}
	}
}

func parseAriaHead(head string) (role, name string, attrs map[string]string) {
	attrs = make(map[string]string)
	m := ariaHeadRe.FindStringSubmatch(strings.TrimSpace(head))
	if m == nil {
		return head, "", attrs
	}
	role = m[1]
	name = strings.ReplaceAll(m[2], `\"`, `"`)
	for _, a := range ariaAttrRe.FindAllStringSubmatch(m[3], -1) {
		attrs[a[1]] = a[2]
	}
	return role, name, attrs
}
