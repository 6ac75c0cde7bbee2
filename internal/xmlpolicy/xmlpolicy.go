// Package xmlpolicy loads the vendor power policy file consumed by
// PolicyCatalog at init. Grounded on the teacher's antchfx/xmlquery usage
// for declarative document parsing without a generated schema binding.
package xmlpolicy

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/antchfx/xmlquery"

	"github.com/carplatform/vhalguard/internal/powercomponent"
)

// VendorPolicyDocument is the parsed result of a vendor power policy file:
// regular policies, policy groups, and an optional no_user_interaction
// override.
type VendorPolicyDocument struct {
	Policies             []ParsedPolicy
	Groups               []ParsedGroup
	NoUserInteractionAdd []powercomponent.Component
	NoUserInteractionSub []powercomponent.Component
}

// ParsedPolicy is one <powerPolicy> element.
type ParsedPolicy struct {
	ID               string
	EnabledStandard  []powercomponent.Component
	DisabledStandard []powercomponent.Component
	EnabledCustom    []int32
	DisabledCustom   []int32
}

// ParsedGroup is one <powerPolicyGroup> element.
type ParsedGroup struct {
	ID            string
	PolicyForWait string
	PolicyForOn   string
}

const systemIDPrefix = "system:"

// Load parses path, applying the constraints of the vendor catalog
// contract: custom components must carry values at or above the minimum,
// policy ids must not start with the system prefix, and an
// "otherComponents" directive (on|off|untouched) fills every standard
// component not listed explicitly. Custom components are not filled by it.
func Load(path string) (*VendorPolicyDocument, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("xmlpolicy: open %s: %w", path, err)
	}
	defer f.Close()

	root, err := xmlquery.Parse(f)
	if err != nil {
		return nil, fmt.Errorf("xmlpolicy: parse %s: %w", path, err)
	}

	doc := &VendorPolicyDocument{}

	for _, node := range xmlquery.Find(root, "//powerPolicy") {
		p, err := parsePolicyNode(node)
		if err != nil {
			// A single malformed policy must not abort the whole file; the
			// vendor contract says the built-ins stay in place and parsing
			// continues with whatever else parses.
			continue
		}
		doc.Policies = append(doc.Policies, p)
	}

	for _, node := range xmlquery.Find(root, "//powerPolicyGroup") {
		g := ParsedGroup{
			ID:            node.SelectAttr("id"),
			PolicyForWait: childText(node, "waitForVhal"),
			PolicyForOn:   childText(node, "on"),
		}
		if g.ID != "" {
			doc.Groups = append(doc.Groups, g)
		}
	}

	if n := xmlquery.FindOne(root, "//noUserInteractionOverride"); n != nil {
		doc.NoUserInteractionAdd = parseComponentList(childText(n, "enable"))
		doc.NoUserInteractionSub = parseComponentList(childText(n, "disable"))
	}

	return doc, nil
}

func parsePolicyNode(node *xmlquery.Node) (ParsedPolicy, error) {
	id := node.SelectAttr("id")
	if id == "" {
		return ParsedPolicy{}, fmt.Errorf("xmlpolicy: policy missing id")
	}
	if strings.HasPrefix(id, systemIDPrefix) {
		return ParsedPolicy{}, fmt.Errorf("xmlpolicy: policy id %q uses reserved system prefix", id)
	}

	p := ParsedPolicy{ID: id}
	explicit := make(map[powercomponent.Component]bool)

	for _, c := range xmlquery.Find(node, "./component") {
		name := c.SelectAttr("id")
		state := c.SelectAttr("state")
		if custom := c.SelectAttr("customId"); custom != "" {
			val, err := strconv.Atoi(custom)
			if err != nil || !powercomponent.IsValidCustom(int32(val)) {
				return ParsedPolicy{}, fmt.Errorf("xmlpolicy: invalid custom component %q", custom)
			}
			if state == "on" {
				p.EnabledCustom = append(p.EnabledCustom, int32(val))
			} else {
				p.DisabledCustom = append(p.DisabledCustom, int32(val))
			}
			continue
		}
		comp, ok := powercomponent.ComponentByName(name)
		if !ok {
			return ParsedPolicy{}, fmt.Errorf("xmlpolicy: unknown standard component %q", name)
		}
		explicit[comp] = true
		if state == "on" {
			p.EnabledStandard = append(p.EnabledStandard, comp)
		} else {
			p.DisabledStandard = append(p.DisabledStandard, comp)
		}
	}

	if other := node.SelectAttr("otherComponents"); other != "" && other != "untouched" {
		for _, comp := range powercomponent.AllStandardComponents() {
			if explicit[comp] {
				continue
			}
			if other == "on" {
				p.EnabledStandard = append(p.EnabledStandard, comp)
			} else {
				p.DisabledStandard = append(p.DisabledStandard, comp)
			}
		}
	}

	return p, nil
}

func childText(node *xmlquery.Node, name string) string {
	c := xmlquery.FindOne(node, "./"+name)
	if c == nil {
		return ""
	}
	return strings.TrimSpace(c.InnerText())
}

func parseComponentList(csv string) []powercomponent.Component {
	if csv == "" {
		return nil
	}
	var out []powercomponent.Component
	for _, name := range strings.Split(csv, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if c, ok := powercomponent.ComponentByName(name); ok {
			out = append(out, c)
		}
	}
	return out
}
